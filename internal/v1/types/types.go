package types

import "context"

// --- Core Domain Types ---

// ChannelKind classifies an accepted WebSocket connection by the URL path it
// arrived on.
type ChannelKind string

const (
	ChannelLogin     ChannelKind = "login"     // "/" or "/login": presence + signaling
	ChannelPublish   ChannelKind = "publish"   // "/publish/{room_id}": stream source
	ChannelSubscribe ChannelKind = "subscribe" // "/subscribe/{room_id}": stream sink
)

// RoleType defines the role a connection holds inside a room. It is fixed for
// the lifetime of the connection.
type RoleType string

const (
	RolePublisher  RoleType = "publisher"
	RoleSubscriber RoleType = "subscriber"
	RoleNone       RoleType = "none" // login connections carry no room role
)

// ConnIDType is the opaque handle of a single WebSocket connection.
type ConnIDType string

// UserIDType identifies a logged-in user.
type UserIDType string

// RoomIDType identifies a stream room. By convention it equals the publishing
// user's id.
type RoomIDType string

// DisplayNameType is the human-readable name shown for a user.
type DisplayNameType string

// Avatar id range accepted from clients. Anything else is replaced with
// IconIDUnknown before it is stored or broadcast.
const (
	IconIDMin     = 3
	IconIDMax     = 21
	IconIDUnknown = -1
)

// SanitizeIconID maps an arbitrary client-supplied avatar id into the valid
// range, returning IconIDUnknown for anything outside it.
func SanitizeIconID(id int) int {
	if id < IconIDMin || id > IconIDMax {
		return IconIDUnknown
	}
	return id
}

// --- Shared Interfaces ---

// Conn is the write-side surface of a live WebSocket connection. The presence,
// room, and signaling packages talk to connections exclusively through this
// interface so they never depend on the transport package.
type Conn interface {
	GetID() ConnIDType
	GetRemoteAddr() string
	GetKind() ChannelKind
	GetRole() RoleType
	GetRoomID() RoomIDType

	// Login binding. Empty until a login message is accepted on this
	// connection.
	GetUserID() UserIDType
	SetUserID(UserIDType)

	// Application-level liveness, unix milliseconds. Zero until first touch.
	GetLastHeartbeat() int64
	TouchHeartbeat()

	// SendText and SendBinary enqueue a frame for the writer goroutine. They
	// never block; they report false when the connection is already closed or
	// had to be dropped because its queue overflowed.
	SendText(data []byte) bool
	SendBinary(data []byte) bool

	// CloseWithReason closes the connection after draining queued frames,
	// attaching reason to the close frame. Disconnect is CloseWithReason
	// with no reason text. Both are idempotent.
	CloseWithReason(reason string)
	Disconnect()
	IsClosed() bool
}

// InboundHandler receives every event the transport layer produces for a
// connection: open, each text/binary message in read order, and close. The
// router implements it.
type InboundHandler interface {
	HandleOpen(ctx context.Context, conn Conn)
	HandleText(ctx context.Context, conn Conn, data []byte)
	HandleBinary(ctx context.Context, conn Conn, data []byte)
	HandleClose(ctx context.Context, conn Conn)
}
