// Package protocol defines the JSON wire messages exchanged on login and room
// channels. Every text message is an object with a string "type" tag; the
// remaining fields depend on the tag. Builders return the serialized payload
// so broadcasts can marshal once and fan the same bytes out to every peer.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/screenway/relay/internal/v1/types"
)

// Client -> server tags on the login channel.
const (
	TypeLogin                = "login"
	TypeLogout               = "logout"
	TypeGetOnlineUsers       = "get_online_users"
	TypeHeartbeat            = "heartbeat"
	TypePing                 = "ping"
	TypeWatchRequest         = "watch_request"
	TypeWatchRequestCanceled = "watch_request_canceled"
	TypeApprovalRequired     = "approval_required"
	TypeWatchRequestAccepted = "watch_request_accepted"
	TypeWatchRequestRejected = "watch_request_rejected"
	TypeStreamingOK          = "streaming_ok"
	TypeKickViewer           = "kick_viewer"
	TypeViewerMicState       = "viewer_mic_state"
)

// Server -> client tags on the login channel.
const (
	TypeLoginResponse         = "login_response"
	TypeOnlineUsers           = "online_users"
	TypeOnlineUsersUpdate     = "online_users_update"
	TypeWatchRequestError     = "watch_request_error"
	TypeStartStreamingRequest = "start_streaming_request"
	TypeStartStreaming        = "start_streaming"
)

// Tags recognized on room channels.
const (
	TypeMousePosition   = "mouse_position"
	TypeAudioOpus       = "audio_opus"
	TypeViewerAudioOpus = "viewer_audio_opus"
)

// Envelope is the minimal decode of any inbound text message: just the tag.
// The original bytes are kept and forwarded verbatim; the server never
// re-encodes a message it merely routes.
type Envelope struct {
	Type string `json:"type"`
}

// ParseEnvelope extracts the type tag. It fails on malformed JSON or a
// missing/empty tag, which callers treat as a silent drop.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type tag")
	}
	return env, nil
}

// LoginRequest is {type:"login",data:{id,name,icon_id|viewer_icon_id}}.
// viewer_icon_id is a legacy alias kept for old clients; icon_id wins when
// both are present.
type LoginRequest struct {
	Type string    `json:"type"`
	Data LoginData `json:"data"`
}

type LoginData struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IconID       *int   `json:"icon_id"`
	ViewerIconID *int   `json:"viewer_icon_id"`
}

// ResolveIconID picks the effective avatar id from the two accepted fields
// and sanitizes it into the valid range.
func (d LoginData) ResolveIconID() int {
	switch {
	case d.IconID != nil:
		return types.SanitizeIconID(*d.IconID)
	case d.ViewerIconID != nil:
		return types.SanitizeIconID(*d.ViewerIconID)
	default:
		return types.IconIDUnknown
	}
}

// HeartbeatRequest is {type:"heartbeat",id?}. A missing id means the
// connection's current login binding names the user.
type HeartbeatRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// SignalMessage carries the fields shared by the whole watch_request family.
// Extra fields (action, stream_url, mic payloads) ride along in the raw bytes
// and are never interpreted by the server.
type SignalMessage struct {
	Type     string `json:"type"`
	ViewerID string `json:"viewer_id"`
	TargetID string `json:"target_id"`
}

// ParseSignal decodes the routing fields of a signaling message.
func ParseSignal(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SignalMessage{}, fmt.Errorf("parse signal: %w", err)
	}
	return msg, nil
}

// RosterEntry is one user in an online_users_update broadcast.
type RosterEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IconID int    `json:"icon_id"`
}

// OnlineUserBrief is one user in an online_users unicast reply, which carries
// no avatar id.
type OnlineUserBrief struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type loginResponse struct {
	Type    string       `json:"type"`
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *RosterEntry `json:"data,omitempty"`
}

// BuildLoginResponse serializes the reply to a login attempt. Entry is echoed
// back only on success.
func BuildLoginResponse(success bool, message string, entry *RosterEntry) []byte {
	return mustMarshal(loginResponse{
		Type:    TypeLoginResponse,
		Success: success,
		Message: message,
		Data:    entry,
	})
}

type onlineUsersReply struct {
	Type string            `json:"type"`
	Data []OnlineUserBrief `json:"data"`
}

// BuildOnlineUsers serializes the unicast get_online_users reply.
func BuildOnlineUsers(entries []OnlineUserBrief) []byte {
	if entries == nil {
		entries = []OnlineUserBrief{}
	}
	return mustMarshal(onlineUsersReply{Type: TypeOnlineUsers, Data: entries})
}

type rosterUpdate struct {
	Type string        `json:"type"`
	Data []RosterEntry `json:"data"`
}

// BuildOnlineUsersUpdate serializes the roster broadcast. Entries must be in
// a deterministic order so identical snapshots produce identical bytes.
func BuildOnlineUsersUpdate(entries []RosterEntry) []byte {
	if entries == nil {
		entries = []RosterEntry{}
	}
	return mustMarshal(rosterUpdate{Type: TypeOnlineUsersUpdate, Data: entries})
}

type watchRequestError struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	TargetID string `json:"target_id"`
}

// BuildWatchRequestError serializes the reply sent when a signaling message
// names a destination that is not online.
func BuildWatchRequestError(message, targetID string) []byte {
	return mustMarshal(watchRequestError{
		Type:     TypeWatchRequestError,
		Message:  message,
		TargetID: targetID,
	})
}

// BuildStartStreaming returns the synthetic message that tells a publisher to
// begin emitting frames.
func BuildStartStreaming() []byte {
	return []byte(`{"type":"start_streaming"}`)
}

// RewriteType re-tags a message while passing every other field through
// untouched, e.g. watch_request -> start_streaming_request on its way to the
// target.
func RewriteType(raw []byte, newType string) ([]byte, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("rewrite type: %w", err)
	}
	obj["type"] = newType
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("rewrite type: %w", err)
	}
	return out, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All builder inputs are plain structs of strings and ints.
		panic(fmt.Sprintf("protocol: marshal failed: %v", err))
	}
	return data
}
