// Package coach decides when to show a sales tip and asks the advisor for one.
//
// Evaluation is two-staged: a yes/no opportunity check, then tip generation.
// Advisor failures never surface as errors; they degrade to "no tip" in the
// first stage and to a fixed fallback tip in the second.
package coach

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/sales-coach/internal/agent"
)

// MinUtterances is the least context worth asking the advisor about.
const MinUtterances = 2

const defaultStageTimeout = 20 * time.Second

// Stage names an advisor round-trip.
type Stage string

const (
	StageOpportunity Stage = "opportunity"
	StageTip         Stage = "tip"
)

// Outcome of a stage, reported to the Observer.
type Outcome string

const (
	OutcomeYes      Outcome = "yes"
	OutcomeNo       Outcome = "no"
	OutcomeTip      Outcome = "tip"
	OutcomeRawText  Outcome = "raw_text"
	OutcomeFailed   Outcome = "failed"
	OutcomeCanceled Outcome = "canceled"
)

// Observer is notified after every advisor round-trip.
type Observer interface {
	StageCompleted(stage Stage, outcome Outcome, took time.Duration)
}

type Option func(*Engine)

// WithStageTimeout bounds each advisor call.
func WithStageTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithObserver(o Observer) Option { return func(e *Engine) { e.observer = o } }

// Engine implements agent.Evaluator over an Advisor.
type Engine struct {
	advisor  agent.Advisor
	logger   *slog.Logger
	timeout  time.Duration
	observer Observer
}

func NewEngine(advisor agent.Advisor, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{advisor: advisor, logger: logger, timeout: defaultStageTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate returns the tip to show for conv, or nil when no tip is due.
// The only error returned is ctx's own.
func (e *Engine) Evaluate(ctx context.Context, conv []agent.Utterance) (*agent.Tip, error) {
	if len(conv) < MinUtterances {
		return nil, nil
	}
	transcript := FormatTranscript(conv)

	answer, err := e.call(ctx, StageOpportunity, opportunitySystem, opportunityPrompt(transcript))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("opportunity check failed", slog.Any("error", err))
		e.observe(StageOpportunity, OutcomeFailed, answer.took)
		return nil, nil
	}
	if strings.TrimSpace(answer.text) != Affirmative {
		e.observe(StageOpportunity, OutcomeNo, answer.took)
		return nil, nil
	}
	e.observe(StageOpportunity, OutcomeYes, answer.took)

	reply, err := e.call(ctx, StageTip, tipSystem, tipPrompt(transcript))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("tip generation failed", slog.Any("error", err))
		e.observe(StageTip, OutcomeFailed, reply.took)
		return &agent.Tip{Text: FallbackTipText, Severity: agent.SeverityNormal}, nil
	}
	tip, structured := ParseTip(reply.text)
	if structured {
		e.observe(StageTip, OutcomeTip, reply.took)
	} else {
		e.logger.Debug("advisor tip was not structured", slog.String("raw", reply.text))
		e.observe(StageTip, OutcomeRawText, reply.took)
	}
	return &tip, nil
}

type completion struct {
	text string
	took time.Duration
}

func (e *Engine) call(ctx context.Context, stage Stage, system, user string) (completion, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	started := time.Now()
	text, err := e.advisor.Complete(cctx, system, user)
	if err != nil && ctx.Err() != nil {
		e.observe(stage, OutcomeCanceled, time.Since(started))
	}
	return completion{text: text, took: time.Since(started)}, err
}

func (e *Engine) observe(stage Stage, outcome Outcome, took time.Duration) {
	if e.observer != nil {
		e.observer.StageCompleted(stage, outcome, took)
	}
}

// ParseTip extracts a tip from raw advisor output. It decodes the first
// brace-delimited object; otherwise the trimmed text becomes a normal tip.
// The boolean reports whether a structured object was decoded.
func ParseTip(raw string) (agent.Tip, bool) {
	content := strings.TrimSpace(raw)
	if obj, ok := firstObject(content); ok {
		var tip agent.Tip
		if err := json.Unmarshal([]byte(obj), &tip); err == nil && strings.TrimSpace(tip.Text) != "" {
			if !tip.Severity.Valid() {
				tip.Severity = agent.SeverityNormal
			}
			return tip, true
		}
	}
	if content == "" {
		content = FallbackTipText
	}
	return agent.Tip{Text: content, Severity: agent.SeverityNormal}, false
}

// firstObject returns s from the first '{' to the brace that balances it.
// Braces inside JSON strings are counted too.
func firstObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
