package masterhttp

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Timing constants mirror the teacher's hub client pump (same ping
// cadence and message size ceiling).
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendQueueSize  = 1024
)

// wsChannel adapts a *websocket.Conn to fanout.Channel. Send enqueues
// onto a buffered channel drained by writePump; it never blocks the
// fan-out goroutine and never panics on a connection already closing.
type wsChannel struct {
	id   string
	conn *websocket.Conn
	log  zerolog.Logger
	send chan []byte

	closeOnce sync.Once
	closed    atomic.Bool
}

func newWSChannel(conn *websocket.Conn, log zerolog.Logger) *wsChannel {
	id := uuid.NewString()[:8]
	return &wsChannel{
		id:   id,
		conn: conn,
		log:  log.With().Str("viewer_id", id).Logger(),
		send: make(chan []byte, sendQueueSize),
	}
}

// Send implements fanout.Channel.
func (c *wsChannel) Send(data []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *wsChannel) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.send)
	})
}

// readPump drains and discards inbound frames (these are server-push-only
// sockets) so pong control frames are still processed, until the
// connection errors or closes.
func (c *wsChannel) readPump(onClose func()) {
	defer func() {
		onClose()
		c.close()
		_ = c.conn.Close()
		c.log.Debug().Msg("viewer disconnected")
	}()
	c.log.Debug().Msg("viewer connected")

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsChannel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
