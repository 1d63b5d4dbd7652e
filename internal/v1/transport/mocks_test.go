package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/screenway/relay/internal/v1/types"
)

var errSocketClosed = errors.New("use of closed socket")

type scriptedRead struct {
	messageType int
	data        []byte
	err         error
}

// mockSocket is a scripted wsConnection. Reads come from a channel so tests
// control exactly when frames arrive; writes are recorded.
type mockSocket struct {
	mu         sync.Mutex
	writes     []outbound
	failWrites bool
	closed     bool

	reads     chan scriptedRead
	done      chan struct{}
	closeOnce sync.Once

	readLimit   int64
	pongHandler func(string) error
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		reads: make(chan scriptedRead, 16),
		done:  make(chan struct{}),
	}
}

func (m *mockSocket) ReadMessage() (int, []byte, error) {
	select {
	case r := <-m.reads:
		return r.messageType, r.data, r.err
	case <-m.done:
		return 0, nil, errSocketClosed
	}
}

func (m *mockSocket) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return errors.New("write failed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.writes = append(m.writes, outbound{messageType: messageType, data: cp})
	return nil
}

func (m *mockSocket) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (m *mockSocket) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockSocket) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockSocket) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

func (m *mockSocket) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *mockSocket) pushText(data string) {
	m.reads <- scriptedRead{messageType: websocket.TextMessage, data: []byte(data)}
}

func (m *mockSocket) pushBinary(data []byte) {
	m.reads <- scriptedRead{messageType: websocket.BinaryMessage, data: data}
}

func (m *mockSocket) pushError(err error) {
	m.reads <- scriptedRead{err: err}
}

func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockSocket) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.writes)
}

func (m *mockSocket) writeAt(i int) (outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.writes) {
		return outbound{}, false
	}
	return m.writes[i], true
}

// closeFrames returns the recorded close-control payloads.
func (m *mockSocket) closeFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	var frames [][]byte
	for _, w := range m.writes {
		if w.messageType == websocket.CloseMessage {
			frames = append(frames, w.data)
		}
	}
	return frames
}

// recordingHandler captures every InboundHandler callback.
type recordingHandler struct {
	mu       sync.Mutex
	opens    int
	closes   int
	texts    []string
	binaries [][]byte
}

func (h *recordingHandler) HandleOpen(ctx context.Context, conn types.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
}

func (h *recordingHandler) HandleText(ctx context.Context, conn types.Conn, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.texts = append(h.texts, string(data))
}

func (h *recordingHandler) HandleBinary(ctx context.Context, conn types.Conn, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.binaries = append(h.binaries, cp)
}

func (h *recordingHandler) HandleClose(ctx context.Context, conn types.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
}

func (h *recordingHandler) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *recordingHandler) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *recordingHandler) textMessages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.texts...)
}

func (h *recordingHandler) binaryMessages() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.binaries...)
}
