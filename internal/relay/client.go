package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chadiek/sales-coach/internal/agent"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// client owns the write side of one browser socket. It implements agent.Sink;
// every outbound frame goes through the single writeLoop goroutine.
type client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	send     chan []byte
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
}

var _ agent.Sink = (*client)(nil)

func newClient(conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBuffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (c *client) Connection(id string)         { c.enqueue(connectionMessage(id)) }
func (c *client) Transcript(u agent.Utterance) { c.enqueue(transcriptMessage(u)) }
func (c *client) Tip(t agent.Tip)              { c.enqueue(tipMessage(t)) }
func (c *client) Notification(message string)  { c.enqueue(notificationMessage(message)) }

func (c *client) enqueue(m outbound) {
	b, err := encode(m)
	if err != nil {
		c.logger.Error("encode outbound message", slog.String("type", m.Type), slog.Any("error", err))
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.send <- b:
	default:
		c.logger.Warn("client send buffer full, dropping message", slog.String("type", m.Type))
	}
}

func (c *client) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				c.logger.Debug("ws write failed", slog.Any("error", err))
				_ = c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ws ping failed", slog.Any("error", err))
				_ = c.conn.Close()
				return
			}
		case <-c.quit:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then says goodbye.
func (c *client) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(b); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *client) write(b []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// shutdown stops the writer after draining it and closes the socket. Safe to call more than once.
func (c *client) shutdown() {
	c.quitOnce.Do(func() { close(c.quit) })
	<-c.done
	_ = c.conn.Close()
}
