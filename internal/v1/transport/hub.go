package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/ratelimit"
	"github.com/screenway/relay/internal/v1/types"
)

// Hub accepts WebSocket upgrades, classifies each connection by the path it
// arrived on, and tracks every live connection so shutdown can close them
// with a proper goodbye frame.
type Hub struct {
	handler        types.InboundHandler
	limiter        *ratelimit.Limiter
	allowedOrigins []string
	queueSize      int
	upgrader       websocket.Upgrader

	mu           sync.Mutex
	conns        map[types.ConnIDType]*Conn
	shuttingDown bool
}

// NewHub wires the upgrade surface to the given inbound handler. An empty
// origin list allows every origin; desktop clients send none at all.
func NewHub(handler types.InboundHandler, limiter *ratelimit.Limiter, allowedOrigins []string, queueSize int) *Hub {
	h := &Hub{
		handler:        handler,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		queueSize:      queueSize,
		conns:          make(map[types.ConnIDType]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferPool: &sync.Pool{},
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
	}
	return h
}

// ServeLogin upgrades a login-channel connection, reached as "/" or "/login".
func (h *Hub) ServeLogin(c *gin.Context) {
	h.serve(c, types.ChannelLogin, types.RoleNone, "")
}

// ServePublish upgrades a publisher connection for the room in the path.
func (h *Hub) ServePublish(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("roomId"))
	if roomID == "" {
		h.closeAfterUpgrade(c, "Invalid path format")
		return
	}
	h.serve(c, types.ChannelPublish, types.RolePublisher, roomID)
}

// ServeSubscribe upgrades a subscriber connection for the room in the path.
func (h *Hub) ServeSubscribe(c *gin.Context) {
	roomID := types.RoomIDType(c.Param("roomId"))
	if roomID == "" {
		h.closeAfterUpgrade(c, "Invalid path format")
		return
	}
	h.serve(c, types.ChannelSubscribe, types.RoleSubscriber, roomID)
}

// ServeInvalidPath answers anything that matched no route. Plain HTTP gets a
// 404; WebSocket upgrades are accepted and then closed with a diagnostic
// reason, so clients see why instead of a bare handshake failure.
func (h *Hub) ServeInvalidPath(c *gin.Context) {
	if !websocket.IsWebSocketUpgrade(c.Request) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	h.closeAfterUpgrade(c, classifyBadPath(c.Request.URL.Path))
}

func (h *Hub) serve(c *gin.Context, kind types.ChannelKind, role types.RoleType, roomID types.RoomIDType) {
	if h.isShuttingDown() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	if !h.limiter.CheckWebSocket(c) {
		return // limiter already wrote the 429
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
		return
	}

	conn := NewConn(ws, kind, role, roomID, c.Request.RemoteAddr, h.queueSize, h.handler)
	conn.onTeardown = h.untrack

	if !h.track(conn) {
		// Shutdown began while this upgrade was in flight.
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.CloseMessage, msg)
		_ = ws.Close()
		return
	}

	metrics.IncConnection(string(kind))

	// The request context dies when this handler returns; the connection
	// carries its own context for the lifetime of the pumps.
	ctx := context.WithValue(context.Background(), logging.ConnIDKey, string(conn.GetID()))
	logging.Info(ctx, "Connection established",
		zap.String("channel", string(kind)),
		zap.String("role", string(role)),
		zap.String("roomId", string(roomID)),
		zap.String("remoteAddr", conn.GetRemoteAddr()))

	h.handler.HandleOpen(ctx, conn)
	conn.Start(ctx)
}

// closeAfterUpgrade completes the handshake and immediately closes with the
// given reason. Peers that skipped the upgrade headers get the handshake
// error instead.
func (h *Hub) closeAfterUpgrade(c *gin.Context, reason string) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	logging.Warn(c.Request.Context(), "Rejected WebSocket connection",
		zap.String("path", c.Request.URL.Path),
		zap.String("reason", reason))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteMessage(websocket.CloseMessage, msg)
	_ = ws.Close()
}

func (h *Hub) isShuttingDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shuttingDown
}

func (h *Hub) track(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shuttingDown {
		return false
	}
	h.conns[conn.GetID()] = conn
	return true
}

func (h *Hub) untrack(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn.GetID())
}

// ConnCount reports the number of tracked live connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown refuses new upgrades and closes every tracked connection with a
// going-away frame. The pumps drain queued frames before the close goes out.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.shuttingDown = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	logging.Info(ctx, "Closing all connections", zap.Int("count", len(conns)))
	for _, conn := range conns {
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}
