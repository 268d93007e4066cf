package agent

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned when a command is sent to a session that has been torn down.
var ErrSessionClosed = errors.New("agent: session closed")

// Role identifies who spoke an utterance.
type Role string

const (
	RoleAgent       Role = "agent"
	RoleCounterpart Role = "counterpart"
)

// Utterance is one finalized, attributed unit of transcribed speech.
type Utterance struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

type Severity string

const (
	SeverityNormal  Severity = "normal"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

// Valid reports whether s is one of the enumerated severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityNormal, SeverityWarning, SeverityAlert:
		return true
	}
	return false
}

// Tip is a coaching suggestion delivered to the client.
type Tip struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// EventKind enumerates transcriber events.
type EventKind int

const (
	EventOpened EventKind = iota
	EventTranscript
	EventClosed
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventTranscript:
		return "transcript"
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	}
	return "unknown"
}

// TranscriptEvent is a raw event emitted by a transcriber handle.
// Speaker is the provider's speaker tag, empty when not diarized.
type TranscriptEvent struct {
	Kind    EventKind
	IsFinal bool
	Text    string
	Speaker string
	Err     error
}

// Transcriber is a live streaming STT handle.
// Send must not block on the provider; audio is dropped when the channel is not open.
type Transcriber interface {
	Send(audio []byte)
	KeepAlive() error
	Close() error
}

// TranscriberFactory opens a new transcriber handle. onEvent is called from
// provider goroutines for the lifetime of the handle.
type TranscriberFactory interface {
	Open(ctx context.Context, onEvent func(TranscriptEvent)) (Transcriber, error)
}

// Advisor is a minimal interface to generate a single completion.
type Advisor interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Evaluator decides whether a conversation snapshot warrants a tip.
// A nil tip means no tip.
type Evaluator interface {
	Evaluate(ctx context.Context, conversation []Utterance) (*Tip, error)
}

// Sink receives outbound session events destined for the client.
type Sink interface {
	Connection(id string)
	Transcript(u Utterance)
	Tip(t Tip)
	Notification(message string)
}
