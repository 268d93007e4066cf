package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"

	"github.com/chadiek/sales-coach/internal/agent"
)

type fakeConn struct {
	mu         sync.Mutex
	writes     [][]byte
	keepAlives int
	stops      int
	writeErr   error
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, p)
	return len(p), nil
}

func (c *fakeConn) KeepAlive() error {
	c.mu.Lock()
	c.keepAlives++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func (c *fakeConn) snapshot() (writes, keepAlives, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes), c.keepAlives, c.stops
}

type eventLog struct {
	mu     sync.Mutex
	events []agent.TranscriptEvent
}

func (l *eventLog) add(ev agent.TranscriptEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestOpen_NoKey(t *testing.T) {
	d := NewDeepgram("", Options{}, quiet())
	if _, err := d.Open(context.Background(), func(agent.TranscriptEvent) {}); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("expected ErrMissingKey, got %v", err)
	}
}

func TestNewDeepgram_FillsDefaults(t *testing.T) {
	d := NewDeepgram("k", Options{Language: "en-US"}, quiet())
	if d.opts.Language != "en-US" || d.opts.Model != "nova-2" || d.opts.Encoding != "linear16" || d.opts.SampleRate != 48000 {
		t.Fatalf("unexpected options %+v", d.opts)
	}
}

func TestStream_SendWritesAudio(t *testing.T) {
	conn := &fakeConn{}
	s := newStream(nil, quiet())
	s.attach(conn)
	defer s.Close()
	s.Send([]byte{1, 2})
	s.Send([]byte{3, 4})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if w, _, _ := conn.snapshot(); w == 2 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected 2 writes")
}

func TestStream_CloseIsIdempotentAndSuppressesEvents(t *testing.T) {
	conn := &fakeConn{}
	log := &eventLog{}
	s := newStream(log.add, quiet())
	s.attach(conn)
	s.emit(agent.TranscriptEvent{Kind: agent.EventOpened})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, _, stops := conn.snapshot(); stops != 1 {
		t.Fatalf("expected one Stop, got %d", stops)
	}
	s.emit(agent.TranscriptEvent{Kind: agent.EventClosed})
	s.Send([]byte{1})
	if err := s.KeepAlive(); err != nil {
		t.Fatalf("keepalive after close: %v", err)
	}
	if log.len() != 1 {
		t.Fatalf("events after close must be suppressed, got %d", log.len())
	}
	if _, ka, _ := conn.snapshot(); ka != 0 {
		t.Fatalf("keepalive reached a closed connection")
	}
}

func TestStream_WriteErrorReportedOnce(t *testing.T) {
	conn := &fakeConn{writeErr: errors.New("socket closed")}
	log := &eventLog{}
	s := newStream(log.add, quiet())
	s.attach(conn)
	defer s.Close()
	s.Send([]byte{1})
	s.Send([]byte{2})
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && log.len() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	s.fail(errors.New("again"))
	log.mu.Lock()
	defer log.mu.Unlock()
	if len(log.events) != 1 || log.events[0].Kind != agent.EventError {
		t.Fatalf("expected a single error event, got %+v", log.events)
	}
}

func TestTranscriptEvent_FromDeepgramResult(t *testing.T) {
	raw := `{
		"type": "Results",
		"is_final": true,
		"channel": {"alternatives": [{
			"transcript": "Oi, pode falar",
			"words": [{"word": "oi", "speaker": 1}, {"word": "pode", "speaker": 1}]
		}]}
	}`
	var mr msginterfaces.MessageResponse
	if err := json.Unmarshal([]byte(raw), &mr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	ev, ok := transcriptEvent(&mr)
	if !ok {
		t.Fatalf("expected event")
	}
	if ev.Kind != agent.EventTranscript || !ev.IsFinal || ev.Text != "Oi, pode falar" || ev.Speaker != "1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestTranscriptEvent_NoSpeakerOrAlternatives(t *testing.T) {
	var mr msginterfaces.MessageResponse
	_ = json.Unmarshal([]byte(`{"is_final": false, "channel": {"alternatives": [{"transcript": "ol"}]}}`), &mr)
	ev, ok := transcriptEvent(&mr)
	if !ok || ev.IsFinal || ev.Speaker != "" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if _, ok := transcriptEvent(&msginterfaces.MessageResponse{}); ok {
		t.Fatalf("expected no event without alternatives")
	}
	if _, ok := transcriptEvent(nil); ok {
		t.Fatalf("expected no event for nil result")
	}
}
