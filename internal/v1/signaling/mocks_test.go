package signaling

import (
	"sync"

	"github.com/screenway/relay/internal/v1/types"
)

// mockConn implements types.Conn, recording text sends.
type mockConn struct {
	id types.ConnIDType

	mu       sync.Mutex
	userID   types.UserIDType
	sentText [][]byte
	closed   bool
}

func newMockConn(id string) *mockConn {
	return &mockConn{id: types.ConnIDType(id)}
}

func (m *mockConn) GetID() types.ConnIDType     { return m.id }
func (m *mockConn) GetRemoteAddr() string       { return "127.0.0.1:12345" }
func (m *mockConn) GetKind() types.ChannelKind  { return types.ChannelLogin }
func (m *mockConn) GetRole() types.RoleType     { return types.RoleNone }
func (m *mockConn) GetRoomID() types.RoomIDType { return "" }

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

func (m *mockConn) GetLastHeartbeat() int64 { return 0 }
func (m *mockConn) TouchHeartbeat()         {}

func (m *mockConn) SendText(data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.sentText = append(m.sentText, data)
	return true
}

func (m *mockConn) SendBinary(_ []byte) bool { return !m.IsClosed() }

func (m *mockConn) CloseWithReason(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
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

func (m *mockConn) lastText() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sentText) == 0 {
		return nil
	}
	return m.sentText[len(m.sentText)-1]
}

// mockDirectory implements Directory over fixed maps.
type mockDirectory struct {
	conns  map[types.UserIDType]types.Conn
	online map[types.UserIDType]bool
}

func newMockDirectory() *mockDirectory {
	return &mockDirectory{
		conns:  make(map[types.UserIDType]types.Conn),
		online: make(map[types.UserIDType]bool),
	}
}

func (m *mockDirectory) add(id string, conn types.Conn) {
	m.conns[types.UserIDType(id)] = conn
	m.online[types.UserIDType(id)] = true
}

func (m *mockDirectory) Find(id types.UserIDType) (types.Conn, bool) {
	c, ok := m.conns[id]
	return c, ok
}

func (m *mockDirectory) Online(id types.UserIDType) bool {
	return m.online[id]
}

// mockPublisherFinder implements PublisherFinder over a fixed map.
type mockPublisherFinder struct {
	publishers map[types.RoomIDType]types.Conn
}

func newMockPublisherFinder() *mockPublisherFinder {
	return &mockPublisherFinder{publishers: make(map[types.RoomIDType]types.Conn)}
}

func (m *mockPublisherFinder) Publisher(id types.RoomIDType) (types.Conn, bool) {
	c, ok := m.publishers[id]
	return c, ok
}
