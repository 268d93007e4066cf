package coach

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chadiek/sales-coach/internal/agent"
)

type reply struct {
	text string
	err  error
}

type scriptedAdvisor struct {
	mu      sync.Mutex
	replies []reply
	prompts []string
	systems []string
}

func (a *scriptedAdvisor) Complete(ctx context.Context, system, user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.systems = append(a.systems, system)
	a.prompts = append(a.prompts, user)
	if len(a.replies) == 0 {
		return "", errors.New("unexpected advisor call")
	}
	r := a.replies[0]
	a.replies = a.replies[1:]
	return r.text, r.err
}

func (a *scriptedAdvisor) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (o *recordingObserver) StageCompleted(_ Stage, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func newTestEngine(a agent.Advisor, opts ...Option) *Engine {
	return NewEngine(a, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

var greeting = []agent.Utterance{
	{Role: agent.RoleAgent, Text: "Olá, bom dia"},
	{Role: agent.RoleCounterpart, Text: "Oi, pode falar"},
}

func TestEvaluate_TooLittleContextSkipsAdvisor(t *testing.T) {
	a := &scriptedAdvisor{}
	e := newTestEngine(a)
	for _, conv := range [][]agent.Utterance{nil, greeting[:1]} {
		tip, err := e.Evaluate(context.Background(), conv)
		if err != nil || tip != nil {
			t.Fatalf("expected no tip, got %+v, %v", tip, err)
		}
	}
	if a.calls() != 0 {
		t.Fatalf("advisor called %d times", a.calls())
	}
}

func TestEvaluate_GreetingScenario(t *testing.T) {
	a := &scriptedAdvisor{replies: []reply{
		{text: "Sim"},
		{text: `{"text":"Pergunte sobre as necessidades do cliente","severity":"normal"}`},
	}}
	obs := &recordingObserver{}
	e := newTestEngine(a, WithObserver(obs))
	tip, err := e.Evaluate(context.Background(), greeting)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := agent.Tip{Text: "Pergunte sobre as necessidades do cliente", Severity: agent.SeverityNormal}
	if tip == nil || *tip != want {
		t.Fatalf("got %+v want %+v", tip, want)
	}
	if a.calls() != 2 {
		t.Fatalf("expected 2 advisor calls, got %d", a.calls())
	}
	wantLines := "1. AGENT: Olá, bom dia\n2. COUNTERPART: Oi, pode falar"
	for i, p := range a.prompts {
		if !strings.Contains(p, wantLines) {
			t.Fatalf("prompt %d missing transcript:\n%s", i, p)
		}
	}
	if !strings.Contains(a.systems[1], "Pós-venda") {
		t.Fatalf("tip prompt missing sales stages")
	}
	if len(obs.outcomes) != 2 || obs.outcomes[0] != OutcomeYes || obs.outcomes[1] != OutcomeTip {
		t.Fatalf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestEvaluate_OnlyExactSimTriggersStageTwo(t *testing.T) {
	for _, answer := range []string{"Não", "sim", "Sim.", "", "Sim, com certeza", "garbled"} {
		a := &scriptedAdvisor{replies: []reply{{text: answer}}}
		tip, err := newTestEngine(a).Evaluate(context.Background(), greeting)
		if err != nil || tip != nil {
			t.Fatalf("answer %q: expected no tip, got %+v, %v", answer, tip, err)
		}
		if a.calls() != 1 {
			t.Fatalf("answer %q: expected single advisor call, got %d", answer, a.calls())
		}
	}
	a := &scriptedAdvisor{replies: []reply{{text: "  Sim \n"}, {text: "faça uma pergunta aberta"}}}
	if tip, _ := newTestEngine(a).Evaluate(context.Background(), greeting); tip == nil {
		t.Fatalf("whitespace around Sim should still trigger a tip")
	}
}

func TestEvaluate_StageOneFailureMeansNoTip(t *testing.T) {
	a := &scriptedAdvisor{replies: []reply{{err: errors.New("quota exceeded")}}}
	tip, err := newTestEngine(a).Evaluate(context.Background(), greeting)
	if err != nil || tip != nil {
		t.Fatalf("expected no tip and no error, got %+v, %v", tip, err)
	}
}

func TestEvaluate_StageTwoFailureFallsBack(t *testing.T) {
	a := &scriptedAdvisor{replies: []reply{{text: "Sim"}, {err: errors.New("timeout")}}}
	tip, err := newTestEngine(a).Evaluate(context.Background(), greeting)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tip == nil || tip.Text != FallbackTipText || tip.Severity != agent.SeverityNormal {
		t.Fatalf("expected fallback tip, got %+v", tip)
	}
}

func TestEvaluate_CanceledContextIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := &scriptedAdvisor{replies: []reply{{err: context.Canceled}}}
	if _, err := newTestEngine(a).Evaluate(ctx, greeting); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParseTip(t *testing.T) {
	cases := []struct {
		name       string
		raw        string
		want       agent.Tip
		structured bool
	}{
		{"plain_json", `{"text":"Ouça mais","severity":"warning"}`, agent.Tip{Text: "Ouça mais", Severity: agent.SeverityWarning}, true},
		{"wrapped_in_prose", "Claro! {\"text\":\"Pare de interromper\",\"severity\":\"alert\"} Boa sorte.", agent.Tip{Text: "Pare de interromper", Severity: agent.SeverityAlert}, true},
		{"code_fence", "```json\n{\n  \"text\": \"Resuma os benefícios\",\n  \"severity\": \"normal\"\n}\n```", agent.Tip{Text: "Resuma os benefícios", Severity: agent.SeverityNormal}, true},
		{"unknown_severity", `{"text":"Pergunte o orçamento","severity":"critical"}`, agent.Tip{Text: "Pergunte o orçamento", Severity: agent.SeverityNormal}, true},
		{"no_object", "  Faça perguntas abertas.  ", agent.Tip{Text: "Faça perguntas abertas.", Severity: agent.SeverityNormal}, false},
		{"broken_json", `{"text": "sem fim`, agent.Tip{Text: `{"text": "sem fim`, Severity: agent.SeverityNormal}, false},
		{"invalid_object", `dica: {text: sem aspas}`, agent.Tip{Text: "dica: {text: sem aspas}", Severity: agent.SeverityNormal}, false},
		{"empty_text_field", `{"text":"","severity":"alert"}`, agent.Tip{Text: `{"text":"","severity":"alert"}`, Severity: agent.SeverityNormal}, false},
		{"empty", "   ", agent.Tip{Text: FallbackTipText, Severity: agent.SeverityNormal}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, structured := ParseTip(tc.raw)
			if got != tc.want || structured != tc.structured {
				t.Fatalf("got %+v (%v) want %+v (%v)", got, structured, tc.want, tc.structured)
			}
		})
	}
}

func TestFirstObject_NaiveBraceMatching(t *testing.T) {
	got, ok := firstObject(`x {"a":{"b":1}} {"c":2}`)
	if !ok || got != `{"a":{"b":1}}` {
		t.Fatalf("got %q", got)
	}
	// braces inside strings are not special
	got, ok = firstObject(`{"text":"use } carefully"}`)
	if !ok || got != `{"text":"use }` {
		t.Fatalf("got %q", got)
	}
	if _, ok := firstObject("no braces"); ok {
		t.Fatalf("expected no object")
	}
}

func TestFormatTranscript(t *testing.T) {
	if got := FormatTranscript(nil); got != "" {
		t.Fatalf("expected empty transcript, got %q", got)
	}
	got := FormatTranscript(greeting)
	if got != "1. AGENT: Olá, bom dia\n2. COUNTERPART: Oi, pode falar" {
		t.Fatalf("unexpected transcript %q", got)
	}
}
