package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"github.com/chadiek/sales-coach/internal/agent"
)

// ErrMissingKey is returned by Open when no Deepgram key is configured.
var ErrMissingKey = errors.New("deepgram: API key missing")

const audioQueue = 1000

var initOnce sync.Once

// Options configures the live transcription request.
type Options struct {
	Model      string
	Language   string
	Encoding   string
	SampleRate int
	Channels   int
}

// DefaultOptions matches the browser client: raw 16-bit PCM, mono, Portuguese.
func DefaultOptions() Options {
	return Options{
		Model:      "nova-2",
		Language:   "pt-BR",
		Encoding:   "linear16",
		SampleRate: 48000,
		Channels:   1,
	}
}

// Deepgram opens live transcription streams. It implements agent.TranscriberFactory.
type Deepgram struct {
	apiKey string
	opts   Options
	logger *slog.Logger
}

func NewDeepgram(apiKey string, opts Options, logger *slog.Logger) *Deepgram {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultOptions()
	if opts.Model == "" {
		opts.Model = def.Model
	}
	if opts.Language == "" {
		opts.Language = def.Language
	}
	if opts.Encoding == "" {
		opts.Encoding = def.Encoding
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.Channels == 0 {
		opts.Channels = def.Channels
	}
	initOnce.Do(listen.InitWithDefault)
	return &Deepgram{apiKey: apiKey, opts: opts, logger: logger}
}

// Open connects a new live stream configured for diarized interim and final results.
func (d *Deepgram) Open(ctx context.Context, onEvent func(agent.TranscriptEvent)) (agent.Transcriber, error) {
	if d.apiKey == "" {
		return nil, ErrMissingKey
	}
	tOptions := &clientinterfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       d.opts.Language,
		Encoding:       d.opts.Encoding,
		SampleRate:     d.opts.SampleRate,
		Channels:       d.opts.Channels,
		Punctuate:      true,
		SmartFormat:    true,
		Diarize:        true,
		InterimResults: true,
	}

	s := newStream(onEvent, d.logger)
	dg, err := listen.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, tOptions, &listenCallback{stream: s})
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	if ok := dg.Connect(); !ok {
		dg.Stop()
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	s.attach(dg)
	return s, nil
}

// liveConn is the subset of the SDK client the stream drives.
type liveConn interface {
	Write(p []byte) (int, error)
	KeepAlive() error
	Stop()
}

// stream is one open transcription channel.
type stream struct {
	conn    liveConn
	onEvent func(agent.TranscriptEvent)
	logger  *slog.Logger

	audio  chan []byte
	stopCh chan struct{}
	once   sync.Once

	mu     sync.RWMutex
	closed bool
	failed bool
}

func newStream(onEvent func(agent.TranscriptEvent), logger *slog.Logger) *stream {
	return &stream{
		onEvent: onEvent,
		logger:  logger,
		audio:   make(chan []byte, audioQueue),
		stopCh:  make(chan struct{}),
	}
}

func (s *stream) attach(conn liveConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	go s.sendAudio()
}

// Send queues audio for the provider; frames are dropped when the queue is full or the stream is closed.
func (s *stream) Send(pcm []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.conn == nil {
		return
	}
	select {
	case s.audio <- pcm:
	default:
		s.logger.Debug("deepgram audio queue full, dropping frame")
	}
}

func (s *stream) KeepAlive() error {
	s.mu.RLock()
	conn, closed := s.conn, s.closed
	s.mu.RUnlock()
	if closed || conn == nil {
		return nil
	}
	return conn.KeepAlive()
}

// Close ends the stream. Events emitted after Close are suppressed.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()
		close(s.stopCh)
		if conn != nil {
			conn.Stop()
		}
	})
	return nil
}

func (s *stream) emit(ev agent.TranscriptEvent) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed || s.onEvent == nil {
		return
	}
	s.onEvent(ev)
}

// fail reports the first transport error only.
func (s *stream) fail(err error) {
	s.mu.Lock()
	already := s.failed
	s.failed = true
	s.mu.Unlock()
	if !already {
		s.emit(agent.TranscriptEvent{Kind: agent.EventError, Err: err})
	}
}

func (s *stream) sendAudio() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in deepgram sender", slog.Any("panic", r))
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case pcm := <-s.audio:
			if _, err := s.conn.Write(pcm); err != nil {
				s.fail(fmt.Errorf("deepgram: write audio: %w", err))
				return
			}
		}
	}
}

// transcriptEvent converts a Deepgram result into a TranscriptEvent.
// The speaker is taken from the first diarized word.
func transcriptEvent(mr *msginterfaces.MessageResponse) (agent.TranscriptEvent, bool) {
	if mr == nil || len(mr.Channel.Alternatives) == 0 {
		return agent.TranscriptEvent{}, false
	}
	alt := mr.Channel.Alternatives[0]
	speaker := ""
	if len(alt.Words) > 0 && alt.Words[0].Speaker != nil {
		speaker = strconv.Itoa(*alt.Words[0].Speaker)
	}
	return agent.TranscriptEvent{
		Kind:    agent.EventTranscript,
		IsFinal: mr.IsFinal,
		Text:    alt.Transcript,
		Speaker: speaker,
	}, true
}

type listenCallback struct{ stream *stream }

func (c *listenCallback) Open(*msginterfaces.OpenResponse) error {
	c.stream.emit(agent.TranscriptEvent{Kind: agent.EventOpened})
	return nil
}

func (c *listenCallback) Message(mr *msginterfaces.MessageResponse) error {
	if ev, ok := transcriptEvent(mr); ok {
		c.stream.emit(ev)
	}
	return nil
}

func (c *listenCallback) Close(*msginterfaces.CloseResponse) error {
	c.stream.emit(agent.TranscriptEvent{Kind: agent.EventClosed})
	return nil
}

func (c *listenCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.stream.fail(fmt.Errorf("deepgram: %+v", er))
	return nil
}

func (c *listenCallback) Metadata(*msginterfaces.MetadataResponse) error           { return nil }
func (c *listenCallback) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }
func (c *listenCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error   { return nil }
func (c *listenCallback) UnhandledEvent([]byte) error                              { return nil }
