package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultKeepAlive is how often an open transcriber is pinged.
	DefaultKeepAlive = 10 * time.Second

	// ResetNotice acknowledges reset_conversation to the client.
	ResetNotice = "Conversa resetada com sucesso"

	// StartFailedNotice tells the client the transcriber could not be opened.
	StartFailedNotice = "Não foi possível iniciar a transcrição"

	inboxSize     = 64
	decisionQueue = 32
)

// State is the transcription state of a session.
type State int

const (
	StateIdle State = iota
	StateTranscribing
)

func (s State) String() string {
	if s == StateTranscribing {
		return "transcribing"
	}
	return "idle"
}

// Status is a point-in-time view of a session.
type Status struct {
	State      State
	Utterances int
}

// Observer receives session lifecycle notifications, typically for metrics.
type Observer interface {
	TranscriptionStarted()
	TranscriptionStopped()
	UtteranceAppended(role Role)
	AudioDropped()
	TipDelivered(severity Severity)
	TipDiscarded()
}

type nopObserver struct{}

func (nopObserver) TranscriptionStarted()  {}
func (nopObserver) TranscriptionStopped()  {}
func (nopObserver) UtteranceAppended(Role) {}
func (nopObserver) AudioDropped()          {}
func (nopObserver) TipDelivered(Severity)  {}
func (nopObserver) TipDiscarded()          {}

// Option configures a Session.
type Option func(*Session)

func WithSpeakerRoles(r SpeakerRoles) Option { return func(s *Session) { s.roles = r } }

func WithKeepAlive(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.keepAliveEvery = d
		}
	}
}

func WithHistoryLimit(n int) Option { return func(s *Session) { s.conv = NewConversation(n) } }

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

type decisionJob struct {
	epoch        uint64
	conversation []Utterance
}

// Session owns one client's transcription lifecycle, conversation and tips.
// All state is mutated by the goroutine running Run; public methods only
// enqueue commands.
type Session struct {
	id        string
	factory   TranscriberFactory
	evaluator Evaluator
	sink      Sink
	roles     SpeakerRoles
	logger    *slog.Logger
	observer  Observer

	keepAliveEvery time.Duration

	inbox     chan func()
	jobs      chan decisionJob
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the Run goroutine
	ctx        context.Context
	state      State
	conv       *Conversation
	handle     Transcriber
	generation uint64
	epoch      uint64
	keepAlive  *time.Ticker
}

// NewSession constructs a Session. Call Run to start processing.
func NewSession(id string, factory TranscriberFactory, evaluator Evaluator, sink Sink, opts ...Option) *Session {
	s := &Session{
		id:             id,
		factory:        factory,
		evaluator:      evaluator,
		sink:           sink,
		roles:          DefaultSpeakerRoles(),
		logger:         slog.Default(),
		observer:       nopObserver{},
		keepAliveEvery: DefaultKeepAlive,
		inbox:          make(chan func(), inboxSize),
		jobs:           make(chan decisionJob, decisionQueue),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		conv:           NewConversation(DefaultHistoryLimit),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("session", id))
	return s
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned and all session resources are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run processes session commands until Close is called or ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	ctx, cancel := context.WithCancel(ctx)
	s.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.decide(ctx)
	}()

	defer func() {
		s.closeOnce.Do(func() { close(s.closing) })
		s.teardown()
		cancel()
		wg.Wait()
	}()

	for {
		var tick <-chan time.Time
		if s.keepAlive != nil {
			tick = s.keepAlive.C
		}
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case fn := <-s.inbox:
			fn()
		case <-tick:
			if s.handle != nil {
				if err := s.handle.KeepAlive(); err != nil {
					s.logger.Debug("transcriber keepalive failed", slog.Any("error", err))
				}
			}
		}
	}
}

// Start opens a transcriber if none is active.
func (s *Session) Start() error { return s.do(s.start) }

// Stop closes the active transcriber, if any.
func (s *Session) Stop() error { return s.do(s.stop) }

// Reset clears the conversation without touching the transcriber.
func (s *Session) Reset() error { return s.do(s.reset) }

// Audio forwards a frame to the active transcriber; frames are dropped while idle.
func (s *Session) Audio(frame []byte) error {
	return s.do(func() { s.audio(frame) })
}

// Status reports the session state as seen by the Run goroutine.
func (s *Session) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := s.do(func() { reply <- Status{State: s.state, Utterances: s.conv.Len()} }); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-s.done:
		return Status{}, ErrSessionClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Session) do(fn func()) error {
	select {
	case <-s.closing:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.closing:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) start() {
	if s.state == StateTranscribing {
		s.logger.Debug("start ignored, already transcribing")
		return
	}
	gen := s.generation + 1
	h, err := s.factory.Open(s.ctx, func(ev TranscriptEvent) {
		_ = s.do(func() { s.handleEvent(gen, ev) })
	})
	if err != nil {
		s.logger.Warn("transcriber open failed", slog.Any("error", err))
		s.sink.Notification(StartFailedNotice)
		return
	}
	s.generation = gen
	s.handle = h
	s.state = StateTranscribing
	s.keepAlive = time.NewTicker(s.keepAliveEvery)
	s.observer.TranscriptionStarted()
	s.logger.Info("transcription started")
}

func (s *Session) stop() {
	if s.handle == nil {
		s.logger.Debug("stop ignored, no transcriber")
		return
	}
	s.closeTranscriber()
	s.logger.Info("transcription stopped")
}

// closeTranscriber is the only path that releases the handle and keep-alive ticker.
func (s *Session) closeTranscriber() {
	if s.keepAlive != nil {
		s.keepAlive.Stop()
		s.keepAlive = nil
	}
	if s.handle != nil {
		if err := s.handle.Close(); err != nil {
			s.logger.Debug("transcriber close", slog.Any("error", err))
		}
		s.handle = nil
		s.observer.TranscriptionStopped()
	}
	s.state = StateIdle
}

func (s *Session) audio(frame []byte) {
	if s.state != StateTranscribing || s.handle == nil {
		s.observer.AudioDropped()
		return
	}
	s.handle.Send(frame)
}

func (s *Session) reset() {
	s.conv.Clear()
	s.epoch++
	s.logger.Info("conversation reset")
	s.sink.Notification(ResetNotice)
}

func (s *Session) teardown() {
	s.closeTranscriber()
	s.conv.Clear()
	s.epoch++
	s.logger.Info("session closed")
}

func (s *Session) handleEvent(gen uint64, ev TranscriptEvent) {
	if gen != s.generation || s.handle == nil {
		s.logger.Debug("dropping event from stale transcriber", slog.String("kind", ev.Kind.String()))
		return
	}
	switch ev.Kind {
	case EventOpened:
		s.logger.Info("transcriber connected")
	case EventTranscript:
		if ev.IsFinal {
			s.onFinal(ev)
		}
	case EventClosed:
		s.logger.Info("transcriber disconnected")
		s.closeTranscriber()
	case EventError:
		s.logger.Warn("transcriber error", slog.Any("error", ev.Err))
		s.closeTranscriber()
	}
}

func (s *Session) onFinal(ev TranscriptEvent) {
	u := Utterance{Role: s.roles.Resolve(ev.Speaker), Text: strings.TrimSpace(ev.Text)}
	if !s.conv.Append(u) {
		return
	}
	s.observer.UtteranceAppended(u.Role)
	s.logger.Debug("heard(final)", slog.String("role", string(u.Role)), slog.String("text", u.Text))
	s.sink.Transcript(u)

	job := decisionJob{epoch: s.epoch, conversation: s.conv.Snapshot()}
	select {
	case s.jobs <- job:
	default:
		s.logger.Warn("tip evaluation backlog full, skipping utterance")
	}
}

// decide evaluates queued snapshots one at a time so tips stay ordered.
func (s *Session) decide(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.jobs:
			tip, err := s.evaluator.Evaluate(ctx, job.conversation)
			if err != nil {
				s.logger.Warn("tip evaluation failed", slog.Any("error", err))
				continue
			}
			if tip == nil {
				continue
			}
			epoch, t := job.epoch, *tip
			if s.do(func() { s.deliverTip(epoch, t) }) != nil {
				s.observer.TipDiscarded()
			}
		}
	}
}

func (s *Session) deliverTip(epoch uint64, tip Tip) {
	if epoch != s.epoch {
		s.logger.Debug("discarding tip for reset conversation")
		s.observer.TipDiscarded()
		return
	}
	s.observer.TipDelivered(tip.Severity)
	s.sink.Tip(tip)
}
