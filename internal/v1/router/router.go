// Package router dispatches every transport event to the subsystem that owns
// it: presence for login-channel bookkeeping, the room table for media
// fan-out, and the signaling coordinator for the watch-request handshake.
package router

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/presence"
	"github.com/screenway/relay/internal/v1/protocol"
	"github.com/screenway/relay/internal/v1/room"
	"github.com/screenway/relay/internal/v1/signaling"
	"github.com/screenway/relay/internal/v1/types"
)

// Router implements types.InboundHandler. Routing depends only on the
// connection's channel kind and the message's type tag; payload bytes are
// forwarded verbatim.
type Router struct {
	registry *presence.Registry
	rooms    *room.Table
	signals  *signaling.Coordinator

	// viewerAudioMesh additionally fans viewer_audio_opus out to the other
	// subscribers, so viewers hear each other and not only the publisher.
	viewerAudioMesh bool
}

var _ types.InboundHandler = (*Router)(nil)

// New wires the router to its subsystems.
func New(registry *presence.Registry, rooms *room.Table, signals *signaling.Coordinator, viewerAudioMesh bool) *Router {
	return &Router{
		registry:        registry,
		rooms:           rooms,
		signals:         signals,
		viewerAudioMesh: viewerAudioMesh,
	}
}

// HandleOpen places a freshly upgraded connection where its channel kind
// says it belongs.
func (rt *Router) HandleOpen(ctx context.Context, conn types.Conn) {
	switch conn.GetKind() {
	case types.ChannelLogin:
		rt.registry.AddConn(ctx, conn)
	case types.ChannelPublish:
		rt.rooms.JoinPublisher(ctx, conn)
	case types.ChannelSubscribe:
		rt.rooms.JoinSubscriber(ctx, conn)
	}
}

// HandleClose unbinds a connection from presence or its room.
func (rt *Router) HandleClose(ctx context.Context, conn types.Conn) {
	switch conn.GetKind() {
	case types.ChannelLogin:
		rt.registry.HandleDisconnect(ctx, conn)
	default:
		rt.rooms.Leave(ctx, conn)
	}
}

// HandleBinary relays publisher frames to the room's subscribers. Binary from
// any other channel kind is dropped.
func (rt *Router) HandleBinary(_ context.Context, conn types.Conn, data []byte) {
	switch conn.GetKind() {
	case types.ChannelPublish:
		r, ok := rt.rooms.Get(conn.GetRoomID())
		if !ok {
			return
		}
		delivered := r.BroadcastBinary(data)
		metrics.RelayedMessages.WithLabelValues("video").Add(float64(delivered))
		metrics.RelayedBytes.WithLabelValues("video").Add(float64(delivered * len(data)))
	case types.ChannelSubscribe:
		metrics.DroppedMessages.WithLabelValues("subscriber_binary").Inc()
	default:
		metrics.DroppedMessages.WithLabelValues("login_binary").Inc()
	}
}

// HandleText dispatches one text message per the connection's channel kind.
func (rt *Router) HandleText(ctx context.Context, conn types.Conn, data []byte) {
	switch conn.GetKind() {
	case types.ChannelLogin:
		rt.handleLoginText(ctx, conn, data)
	case types.ChannelPublish:
		rt.handlePublisherText(conn, data)
	case types.ChannelSubscribe:
		rt.handleSubscriberText(conn, data)
	}
}

func (rt *Router) handleLoginText(ctx context.Context, conn types.Conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		// Login channels ignore anything unrecognizable.
		logging.GetLogger().Debug("Ignoring unparseable login-channel message",
			zap.String("connId", string(conn.GetID())), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.TypeLogin:
		rt.handleLogin(ctx, conn, data)
	case protocol.TypeLogout:
		rt.registry.LogoutConn(ctx, conn)
	case protocol.TypeGetOnlineUsers:
		conn.SendText(protocol.BuildOnlineUsers(rt.registry.RosterBrief()))
	case protocol.TypeHeartbeat:
		rt.handleHeartbeat(conn, data)
	case protocol.TypePing:
		rt.touch(conn, conn.GetUserID())
	default:
		if signaling.Handles(env.Type) {
			rt.signals.Handle(ctx, conn, env.Type, data)
			return
		}
		logging.GetLogger().Debug("Ignoring unknown login-channel type",
			zap.String("type", env.Type),
			zap.String("connId", string(conn.GetID())))
	}
}

func (rt *Router) handleLogin(ctx context.Context, conn types.Conn, data []byte) {
	var req protocol.LoginRequest
	if err := json.Unmarshal(data, &req); err != nil {
		conn.SendText(protocol.BuildLoginResponse(false, "malformed login payload", nil))
		return
	}

	user, err := rt.registry.Login(ctx, conn,
		types.UserIDType(req.Data.ID),
		types.DisplayNameType(req.Data.Name),
		req.Data.ResolveIconID())
	if err != nil {
		conn.SendText(protocol.BuildLoginResponse(false, err.Error(), nil))
		return
	}

	conn.TouchHeartbeat()
	entry := protocol.RosterEntry{
		ID:     string(user.ID),
		Name:   string(user.Name),
		IconID: user.IconID,
	}
	conn.SendText(protocol.BuildLoginResponse(true, "Login successful", &entry))
}

func (rt *Router) handleHeartbeat(conn types.Conn, data []byte) {
	var req protocol.HeartbeatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	uid := types.UserIDType(req.ID)
	if uid == "" {
		uid = conn.GetUserID()
	}
	rt.touch(conn, uid)
}

func (rt *Router) touch(conn types.Conn, uid types.UserIDType) {
	if uid == "" {
		return
	}
	conn.TouchHeartbeat()
	rt.registry.Touch(uid)
}

func (rt *Router) handlePublisherText(conn types.Conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		// Drop silently; the frame hot path stays quiet about garbage.
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		return
	}
	r, ok := rt.rooms.Get(conn.GetRoomID())
	if !ok {
		return
	}

	flow := "publisher_text"
	switch env.Type {
	case protocol.TypeMousePosition, protocol.TypeAudioOpus:
		flow = env.Type
	}
	delivered := r.BroadcastText(data)
	metrics.RelayedMessages.WithLabelValues(flow).Add(float64(delivered))
	metrics.RelayedBytes.WithLabelValues(flow).Add(float64(delivered * len(data)))
}

func (rt *Router) handleSubscriberText(conn types.Conn, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		return
	}
	r, ok := rt.rooms.Get(conn.GetRoomID())
	if !ok {
		return
	}

	if env.Type == protocol.TypeViewerAudioOpus {
		delivered := 0
		if r.SendToPublisher(data) {
			delivered++
		} else {
			metrics.DroppedMessages.WithLabelValues("no_publisher").Inc()
		}
		if rt.viewerAudioMesh {
			delivered += r.BroadcastTextExcept(data, conn.GetID())
		}
		metrics.RelayedMessages.WithLabelValues(protocol.TypeViewerAudioOpus).Add(float64(delivered))
		metrics.RelayedBytes.WithLabelValues(protocol.TypeViewerAudioOpus).Add(float64(delivered * len(data)))
		return
	}

	if r.SendToPublisher(data) {
		metrics.RelayedMessages.WithLabelValues("subscriber_text").Inc()
		metrics.RelayedBytes.WithLabelValues("subscriber_text").Add(float64(len(data)))
	} else {
		metrics.DroppedMessages.WithLabelValues("no_publisher").Inc()
	}
}
