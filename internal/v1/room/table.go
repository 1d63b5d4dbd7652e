package room

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/types"
)

// Table is the process-wide room directory. Joins run entirely under the
// table lock so the sweep can never reclaim a room between its creation and
// its first member.
type Table struct {
	mu    sync.RWMutex
	rooms map[types.RoomIDType]*Room
}

// NewTable creates an empty room table.
func NewTable() *Table {
	return &Table{rooms: make(map[types.RoomIDType]*Room)}
}

// JoinPublisher places conn in the publisher slot of its room, creating the
// room on first use.
func (t *Table) JoinPublisher(ctx context.Context, conn types.Conn) *Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.getOrCreateLocked(ctx, conn.GetRoomID())
	room.JoinPublisher(ctx, conn)
	return room
}

// JoinSubscriber adds conn to the subscriber set of its room, creating the
// room on first use.
func (t *Table) JoinSubscriber(ctx context.Context, conn types.Conn) *Room {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.getOrCreateLocked(ctx, conn.GetRoomID())
	room.JoinSubscriber(ctx, conn)
	return room
}

// Leave removes a room-channel connection from its room, if the room still
// exists.
func (t *Table) Leave(ctx context.Context, conn types.Conn) {
	t.mu.RLock()
	room, ok := t.rooms[conn.GetRoomID()]
	t.mu.RUnlock()
	if ok {
		room.Leave(ctx, conn)
	}
}

// Get returns the named room, if it exists.
func (t *Table) Get(id types.RoomIDType) (*Room, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room, ok := t.rooms[id]
	return room, ok
}

// Publisher returns the publisher connection of the named room, when both the
// room and its publisher exist.
func (t *Table) Publisher(id types.RoomIDType) (types.Conn, bool) {
	room, ok := t.Get(id)
	if !ok {
		return nil, false
	}
	pub := room.Publisher()
	if pub == nil {
		return nil, false
	}
	return pub, true
}

// Count returns the number of live rooms.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}

// SweepEmpty deletes every room with no publisher and no subscribers,
// returning how many were removed.
func (t *Table) SweepEmpty(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, room := range t.rooms {
		if room.IsEmpty() {
			delete(t.rooms, id)
			removed++
			metrics.RoomsReaped.Inc()
			logging.Info(ctx, "Reaped empty room", zap.String("roomId", string(id)))
		}
	}
	if removed > 0 {
		metrics.ActiveRooms.Set(float64(len(t.rooms)))
	}
	return removed
}

func (t *Table) getOrCreateLocked(ctx context.Context, id types.RoomIDType) *Room {
	if room, ok := t.rooms[id]; ok {
		return room
	}
	room := newRoom(id)
	t.rooms[id] = room
	metrics.ActiveRooms.Set(float64(len(t.rooms)))
	logging.Info(ctx, "Room created", zap.String("roomId", string(id)))
	return room
}
