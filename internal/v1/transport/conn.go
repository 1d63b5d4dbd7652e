// Package transport owns the WebSocket layer: upgrading HTTP requests,
// pumping frames in and out of each socket, and tearing connections down. It
// knows nothing about presence, rooms, or signaling; every inbound event is
// handed to a types.InboundHandler.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/types"
)

const (
	// writeWait is the deadline for a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long the read side tolerates silence before the
	// protocol-level ping/pong declares the peer gone.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pongs arrive in time.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds one inbound frame. A single encoded video frame
	// fits well under this.
	maxMessageSize = 1 << 20

	// defaultQueueSize is the outbound queue bound when the caller passes a
	// non-positive size.
	defaultQueueSize = 512
)

// wsConnection is the subset of *websocket.Conn the pumps drive. Tests
// substitute a scripted implementation.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
}

// outbound is one frame waiting in the send queue.
type outbound struct {
	messageType int
	data        []byte
}

// Conn is a live WebSocket connection. A single writer goroutine owns the
// socket's write side so logical messages never interleave; senders enqueue
// frames and never block.
type Conn struct {
	id         types.ConnIDType
	ws         wsConnection
	kind       types.ChannelKind
	role       types.RoleType
	roomID     types.RoomIDType
	remoteAddr string

	handler    types.InboundHandler
	onTeardown func(*Conn) // hub bookkeeping, runs once after the read pump exits

	mu          sync.RWMutex
	userID      types.UserIDType
	closed      bool
	closeCode   int
	closeReason string

	closeOnce sync.Once
	send      chan outbound

	lastHeartbeat atomic.Int64
}

var _ types.Conn = (*Conn)(nil)

// NewConn wraps an upgraded socket. The connection is inert until Start.
func NewConn(ws wsConnection, kind types.ChannelKind, role types.RoleType, roomID types.RoomIDType, remoteAddr string, queueSize int, handler types.InboundHandler) *Conn {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Conn{
		id:         types.ConnIDType(uuid.NewString()),
		ws:         ws,
		kind:       kind,
		role:       role,
		roomID:     roomID,
		remoteAddr: remoteAddr,
		handler:    handler,
		closeCode:  websocket.CloseNormalClosure,
		send:       make(chan outbound, queueSize),
	}
}

// Start launches the read and write pumps. The caller must have announced the
// connection to the handler via HandleOpen first, so no message can arrive
// before the open bookkeeping ran.
func (c *Conn) Start(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

func (c *Conn) GetID() types.ConnIDType     { return c.id }
func (c *Conn) GetRemoteAddr() string       { return c.remoteAddr }
func (c *Conn) GetKind() types.ChannelKind  { return c.kind }
func (c *Conn) GetRole() types.RoleType     { return c.role }
func (c *Conn) GetRoomID() types.RoomIDType { return c.roomID }

func (c *Conn) GetUserID() types.UserIDType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Conn) SetUserID(id types.UserIDType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

func (c *Conn) GetLastHeartbeat() int64 { return c.lastHeartbeat.Load() }

func (c *Conn) TouchHeartbeat() { c.lastHeartbeat.Store(time.Now().UnixMilli()) }

// SendText enqueues a text frame. It reports false when the connection is
// already closed or had to be dropped because its queue overflowed.
func (c *Conn) SendText(data []byte) bool {
	return c.enqueue(websocket.TextMessage, data)
}

// SendBinary enqueues a binary frame under the same contract as SendText.
func (c *Conn) SendBinary(data []byte) bool {
	return c.enqueue(websocket.BinaryMessage, data)
}

func (c *Conn) enqueue(messageType int, data []byte) (ok bool) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return false
	}

	// The queue can close between the check above and the send below. The
	// recover turns that race into a dropped frame instead of a crash.
	defer func() {
		if r := recover(); r != nil {
			logging.GetLogger().Debug("Send raced connection close",
				zap.String("connId", string(c.id)))
			ok = false
		}
	}()

	select {
	case c.send <- outbound{messageType: messageType, data: data}:
		return true
	default:
		metrics.QueueOverflowDisconnects.Inc()
		logging.Warn(context.Background(), "Send queue overflow, disconnecting slow consumer",
			zap.String("connId", string(c.id)),
			zap.String("channel", string(c.kind)),
			zap.String("remoteAddr", c.remoteAddr))
		c.CloseWithReason("send queue overflow")
		return false
	}
}

// CloseWithReason closes the connection after queued frames drain, attaching
// reason to the close frame. Idempotent.
func (c *Conn) CloseWithReason(reason string) {
	c.closeWith(websocket.CloseNormalClosure, reason)
}

// Disconnect is CloseWithReason with no reason text.
func (c *Conn) Disconnect() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *Conn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.send)
	})
}

func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// CloseReason returns the reason recorded by the close, empty before it.
func (c *Conn) CloseReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeReason
}

// writePump owns the socket write side. It drains the queue, keeps the
// connection alive with protocol pings, and once the queue is closed and
// drained emits the close frame carrying the recorded code and reason.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, open := <-c.send:
			if !open {
				c.mu.RLock()
				code, reason := c.closeCode, c.closeReason
				c.mu.RUnlock()
				_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msg.messageType, msg.data); err != nil {
				logging.GetLogger().Debug("Socket write failed",
					zap.String("connId", string(c.id)), zap.Error(err))
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

// readPump owns the socket read side and dispatches inbound frames in arrival
// order. Its deferred teardown is the single close path for the connection:
// it runs whether the peer disconnected, the reaper evicted us, or a write
// failed.
func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		c.Disconnect()
		c.handler.HandleClose(ctx, c)
		metrics.DecConnection(string(c.kind))
		if c.onTeardown != nil {
			c.onTeardown(c)
		}
		logging.Info(ctx, "Connection closed",
			zap.String("channel", string(c.kind)),
			zap.String("userId", string(c.GetUserID())),
			zap.String("reason", c.CloseReason()))
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.GetLogger().Debug("Socket read ended",
					zap.String("connId", string(c.id)), zap.Error(err))
			}
			return
		}
		switch messageType {
		case websocket.TextMessage:
			c.handler.HandleText(ctx, c, data)
		case websocket.BinaryMessage:
			c.handler.HandleBinary(ctx, c, data)
		}
	}
}
