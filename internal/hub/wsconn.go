package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrSendBufferFull = errors.New("send buffer full")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// WSConn adapts a gorilla websocket to Conn. Writes go through a buffered
// channel drained by a single writer goroutine.
type WSConn struct {
	id      string
	ownerID string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	closed  atomic.Bool
	pumping atomic.Bool
	once    sync.Once
	log     *slog.Logger
}

func NewWSConn(ws *websocket.Conn, ownerID string, log *slog.Logger) *WSConn {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	id := uuid.NewString()
	return &WSConn{
		id:      id,
		ownerID: ownerID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		log:     log.With("conn", id, "owner", ownerID),
	}
}

func (c *WSConn) ID() string      { return c.id }
func (c *WSConn) OwnerID() string { return c.ownerID }
func (c *WSConn) Open() bool      { return !c.closed.Load() }

func (c *WSConn) Send(msg []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close is idempotent. Pending buffered messages are dropped. Once Serve is
// running the writer sends a close frame and releases the socket.
func (c *WSConn) Close() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if !c.pumping.Load() {
			_ = c.ws.Close()
		}
	})
}

// Serve runs the connection until the peer goes away or a read fails. Each
// inbound text frame is passed to onMessage on the calling goroutine, so
// messages from one device are handled in order. onClose runs exactly once,
// after the connection is closed.
func (c *WSConn) Serve(onMessage func(msg []byte), onClose func()) {
	c.pumping.Store(true)
	go c.writePump()
	defer func() {
		c.Close()
		if onClose != nil {
			onClose()
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn("websocket read failed", "error", err)
			} else {
				c.log.Debug("websocket closed", "error", err)
			}
			return
		}
		onMessage(msg)
	}
}

func (c *WSConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Warn("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
