// Package signaling routes the watch-request handshake between viewer and
// target over their login connections. The coordinator keeps no handshake
// state: every message carries viewer_id and target_id, and the side effects
// depend only on the message type, so repeats are naturally idempotent.
package signaling

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/protocol"
	"github.com/screenway/relay/internal/v1/types"
)

// Directory resolves user ids to login connections and answers liveness.
// The presence registry implements it.
type Directory interface {
	Find(userID types.UserIDType) (types.Conn, bool)
	Online(userID types.UserIDType) bool
}

// PublisherFinder locates the publisher connection of a room. The room table
// implements it.
type PublisherFinder interface {
	Publisher(id types.RoomIDType) (types.Conn, bool)
}

// Coordinator forwards handshake messages between named users. Messages going
// to the target carry the viewer's request; messages going to the viewer
// carry the target's verdict. Acceptance additionally nudges the target's
// publisher so capture starts without waiting for the viewer to subscribe.
type Coordinator struct {
	directory Directory
	rooms     PublisherFinder
}

// NewCoordinator wires the coordinator to the user directory and room table.
func NewCoordinator(directory Directory, rooms PublisherFinder) *Coordinator {
	return &Coordinator{directory: directory, rooms: rooms}
}

// Handles reports whether msgType belongs to the handshake family.
func Handles(msgType string) bool {
	switch msgType {
	case protocol.TypeWatchRequest,
		protocol.TypeWatchRequestCanceled,
		protocol.TypeApprovalRequired,
		protocol.TypeWatchRequestAccepted,
		protocol.TypeWatchRequestRejected,
		protocol.TypeStreamingOK,
		protocol.TypeKickViewer,
		protocol.TypeViewerMicState:
		return true
	}
	return false
}

// Handle routes one handshake message from sender. raw is forwarded verbatim
// (or re-tagged for watch_request) so fields the server does not model, like
// action or stream_url, pass through untouched.
func (c *Coordinator) Handle(ctx context.Context, sender types.Conn, msgType string, raw []byte) {
	msg, err := protocol.ParseSignal(raw)
	if err != nil {
		metrics.SignalingErrors.WithLabelValues("malformed").Inc()
		logging.Warn(ctx, "Dropping malformed signaling message",
			zap.String("type", msgType), zap.Error(err))
		return
	}

	viewer := types.UserIDType(msg.ViewerID)
	target := types.UserIDType(msg.TargetID)

	switch msgType {
	case protocol.TypeWatchRequest:
		// The target sees the request as a start_streaming_request.
		rewritten, err := protocol.RewriteType(raw, protocol.TypeStartStreamingRequest)
		if err != nil {
			metrics.SignalingErrors.WithLabelValues("malformed").Inc()
			logging.Warn(ctx, "Dropping unrewritable watch_request", zap.Error(err))
			return
		}
		c.forward(ctx, sender, target, msgType, rewritten)

	case protocol.TypeWatchRequestCanceled, protocol.TypeViewerMicState:
		c.forward(ctx, sender, target, msgType, raw)

	case protocol.TypeApprovalRequired, protocol.TypeWatchRequestRejected, protocol.TypeKickViewer:
		c.forward(ctx, sender, viewer, msgType, raw)

	case protocol.TypeWatchRequestAccepted, protocol.TypeStreamingOK:
		c.forward(ctx, sender, viewer, msgType, raw)
		// Capture starts on the target's publisher whether or not the viewer
		// forward landed; a repeat accept retriggers it.
		c.triggerPublisher(ctx, types.RoomIDType(target))

	default:
		// Handles filters before Handle; anything else is ignored upstream.
	}
}

// forward delivers raw to the named user's login connection. An offline or
// unknown destination earns the sender a watch_request_error.
func (c *Coordinator) forward(ctx context.Context, sender types.Conn, dest types.UserIDType, msgType string, raw []byte) {
	if dest == "" {
		metrics.SignalingErrors.WithLabelValues("missing_destination").Inc()
		sender.SendText(protocol.BuildWatchRequestError("destination user id missing", ""))
		return
	}
	if !c.directory.Online(dest) {
		c.replyUnreachable(ctx, sender, dest, msgType)
		return
	}
	conn, ok := c.directory.Find(dest)
	if !ok {
		c.replyUnreachable(ctx, sender, dest, msgType)
		return
	}

	conn.SendText(raw)
	metrics.SignalingForwards.WithLabelValues(msgType).Inc()
	logging.GetLogger().Debug("Forwarded signaling message",
		zap.String("type", msgType),
		zap.String("dest", string(dest)))
}

func (c *Coordinator) replyUnreachable(ctx context.Context, sender types.Conn, dest types.UserIDType, msgType string) {
	metrics.SignalingErrors.WithLabelValues("target_offline").Inc()
	logging.Info(ctx, "Signaling destination not online",
		zap.String("type", msgType),
		zap.String("dest", string(dest)))
	sender.SendText(protocol.BuildWatchRequestError(
		fmt.Sprintf("user %s is not online", dest), string(dest)))
}

// triggerPublisher sends start_streaming to the publisher of the target's
// room, when one is connected.
func (c *Coordinator) triggerPublisher(ctx context.Context, roomID types.RoomIDType) {
	pub, ok := c.rooms.Publisher(roomID)
	if !ok {
		logging.GetLogger().Debug("No publisher to trigger",
			zap.String("roomId", string(roomID)))
		return
	}
	if pub.SendText(protocol.BuildStartStreaming()) {
		metrics.SignalingForwards.WithLabelValues(protocol.TypeStartStreaming).Inc()
		logging.Info(ctx, "Triggered publisher start",
			zap.String("roomId", string(roomID)),
			zap.String("connId", string(pub.GetID())))
	}
}
