package router

import (
	"sync"
	"time"

	"github.com/screenway/relay/internal/v1/types"
)

// mockConn implements types.Conn, recording sends and closes.
type mockConn struct {
	id     types.ConnIDType
	kind   types.ChannelKind
	role   types.RoleType
	roomID types.RoomIDType

	mu         sync.Mutex
	userID     types.UserIDType
	sentText   [][]byte
	sentBinary [][]byte
	closed     bool
	reason     string
	heartbeat  int64
}

func newLoginConn(id string) *mockConn {
	return &mockConn{
		id:   types.ConnIDType(id),
		kind: types.ChannelLogin,
		role: types.RoleNone,
	}
}

func newPublisherConn(id, roomID string) *mockConn {
	return &mockConn{
		id:     types.ConnIDType(id),
		kind:   types.ChannelPublish,
		role:   types.RolePublisher,
		roomID: types.RoomIDType(roomID),
	}
}

func newSubscriberConn(id, roomID string) *mockConn {
	return &mockConn{
		id:     types.ConnIDType(id),
		kind:   types.ChannelSubscribe,
		role:   types.RoleSubscriber,
		roomID: types.RoomIDType(roomID),
	}
}

func (m *mockConn) GetID() types.ConnIDType     { return m.id }
func (m *mockConn) GetRemoteAddr() string       { return "127.0.0.1:12345" }
func (m *mockConn) GetKind() types.ChannelKind  { return m.kind }
func (m *mockConn) GetRole() types.RoleType     { return m.role }
func (m *mockConn) GetRoomID() types.RoomIDType { return m.roomID }

func (m *mockConn) GetUserID() types.UserIDType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}

func (m *mockConn) SetUserID(id types.UserIDType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = id
}

func (m *mockConn) GetLastHeartbeat() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeat
}

func (m *mockConn) TouchHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = time.Now().UnixMilli()
}

func (m *mockConn) SendText(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sentText = append(m.sentText, data)
	return true
}

func (m *mockConn) SendBinary(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sentBinary = append(m.sentBinary, data)
	return true
}

func (m *mockConn) CloseWithReason(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.reason = reason
}

func (m *mockConn) Disconnect() { m.CloseWithReason("") }

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) textCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentText)
}

func (m *mockConn) binaryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sentBinary)
}

func (m *mockConn) textAt(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.sentText) {
		return nil
	}
	return m.sentText[i]
}

func (m *mockConn) lastText() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentText) == 0 {
		return nil
	}
	return m.sentText[len(m.sentText)-1]
}

func (m *mockConn) lastBinary() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentBinary) == 0 {
		return nil
	}
	return m.sentBinary[len(m.sentBinary)-1]
}

func (m *mockConn) closeReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
