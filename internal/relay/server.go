// Package relay bridges browser WebSocket clients to coaching sessions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/sales-coach/internal/agent"
	"github.com/chadiek/sales-coach/internal/metrics"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// The coaching UI is served from a different origin in development.
		return true
	},
}

// Option configures a Server.
type Option func(*Server)

func WithSpeakerRoles(r agent.SpeakerRoles) Option { return func(s *Server) { s.roles = r } }

func WithKeepAlive(d time.Duration) Option { return func(s *Server) { s.keepAlive = d } }

func WithHistoryLimit(n int) Option { return func(s *Server) { s.historyLimit = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// Server accepts client sockets and runs one agent.Session per connection.
type Server struct {
	factory   agent.TranscriberFactory
	evaluator agent.Evaluator
	logger    *slog.Logger
	metrics   *metrics.Metrics
	registry  *Registry

	roles        agent.SpeakerRoles
	keepAlive    time.Duration
	historyLimit int

	nextID atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(factory agent.TranscriberFactory, evaluator agent.Evaluator, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		factory:      factory,
		evaluator:    evaluator,
		logger:       logger,
		registry:     NewRegistry(),
		roles:        agent.DefaultSpeakerRoles(),
		keepAlive:    agent.DefaultKeepAlive,
		historyLimit: agent.DefaultHistoryLimit,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

// Shutdown ends every live session and waits until the registry is empty or ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for s.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay shutdown: %d sessions still open: %w", s.registry.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", slog.Any("error", err))
		return
	}

	id := fmt.Sprintf("conn_%d", s.nextID.Add(1))
	logger := s.logger.With(slog.String("conn", id))
	c := newClient(conn, logger)
	sess := agent.NewSession(id, s.factory, s.evaluator, c, s.sessionOptions(logger)...)

	s.registry.Add(sess)
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}
	logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	c.Connection(id)
	go c.writeLoop()
	go sess.Run(s.ctx)
	// Server shutdown ends the session first; unblock the reader.
	go func() {
		<-sess.Done()
		c.shutdown()
	}()

	s.readLoop(conn, sess, logger)

	sess.Close()
	<-sess.Done()
	c.shutdown()
	s.registry.Remove(id)
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	logger.Info("client disconnected")
}

func (s *Server) sessionOptions(logger *slog.Logger) []agent.Option {
	opts := []agent.Option{
		agent.WithSpeakerRoles(s.roles),
		agent.WithKeepAlive(s.keepAlive),
		agent.WithHistoryLimit(s.historyLimit),
		agent.WithLogger(logger),
	}
	if s.metrics != nil {
		opts = append(opts, agent.WithObserver(s.metrics))
	}
	return opts
}

func (s *Server) readLoop(conn *websocket.Conn, sess *agent.Session, logger *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Warn("ws read error", slog.Any("error", err))
			} else {
				logger.Debug("ws read ended", slog.Any("error", err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			s.malformed(logger, "non-text frame", nil)
			continue
		}
		if err := s.dispatch(sess, data, logger); errors.Is(err, agent.ErrSessionClosed) {
			return
		}
	}
}

// dispatch routes one client message to the session. Bad input is logged and dropped.
func (s *Server) dispatch(sess *agent.Session, raw []byte, logger *slog.Logger) error {
	msg, err := decodeInbound(raw)
	if err != nil {
		s.malformed(logger, "invalid message", err)
		return nil
	}

	switch msg.Type {
	case TypeStartTranscription:
		s.inbound(msg.Type)
		return sess.Start()
	case TypeStopTranscription:
		s.inbound(msg.Type)
		return sess.Stop()
	case TypeAudioData:
		pcm, err := audioPayload(msg.Data)
		if err != nil {
			s.malformed(logger, "invalid audio_data", err)
			return nil
		}
		s.inbound(msg.Type)
		return sess.Audio(pcm)
	case TypeResetConversation:
		s.inbound(msg.Type)
		return sess.Reset()
	default:
		s.inbound("unknown")
		logger.Debug("ignoring unknown message type", slog.String("type", msg.Type))
		return nil
	}
}

func (s *Server) inbound(kind string) {
	if s.metrics != nil {
		s.metrics.Inbound(kind)
	}
}

func (s *Server) malformed(logger *slog.Logger, what string, err error) {
	if s.metrics != nil {
		s.metrics.Malformed()
	}
	logger.Warn(what, slog.Any("error", err))
}
