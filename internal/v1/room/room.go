// Package room holds per-stream fan-out state: one publisher slot plus the
// subscriber set, with role-aware broadcast helpers. Rooms move bytes and
// never interpret them; payload classification lives in the router.
package room

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/protocol"
	"github.com/screenway/relay/internal/v1/types"
)

// Room is the state of one stream. At most one publisher holds the slot at a
// time; replacing it does not close the prior connection, which simply stops
// receiving subscriber traffic. The publisher is never a member of the
// subscriber set.
type Room struct {
	ID types.RoomIDType

	mu          sync.RWMutex
	publisher   types.Conn
	subscribers map[types.ConnIDType]types.Conn
	createdAt   time.Time
}

func newRoom(id types.RoomIDType) *Room {
	return &Room{
		ID:          id,
		subscribers: make(map[types.ConnIDType]types.Conn),
		createdAt:   time.Now(),
	}
}

// JoinPublisher installs conn in the publisher slot. A re-announce by the
// connection already holding the slot changes nothing. When subscribers are
// already waiting, the incoming publisher is told to start emitting frames.
func (r *Room) JoinPublisher(ctx context.Context, conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publisher != nil && r.publisher.GetID() == conn.GetID() {
		return
	}
	if r.publisher != nil {
		logging.Info(ctx, "Publisher replaced",
			zap.String("roomId", string(r.ID)),
			zap.String("oldConnId", string(r.publisher.GetID())),
			zap.String("newConnId", string(conn.GetID())))
	} else {
		logging.Info(ctx, "Publisher joined",
			zap.String("roomId", string(r.ID)),
			zap.String("connId", string(conn.GetID())))
	}
	r.publisher = conn
	delete(r.subscribers, conn.GetID())

	if len(r.subscribers) > 0 {
		r.triggerPublisherLocked()
	}
}

// JoinSubscriber adds conn to the subscriber set. A connected publisher is
// nudged to start streaming for the newcomer.
func (r *Room) JoinSubscriber(ctx context.Context, conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subscribers[conn.GetID()] = conn
	logging.Info(ctx, "Subscriber joined",
		zap.String("roomId", string(r.ID)),
		zap.String("connId", string(conn.GetID())),
		zap.Int("subscribers", len(r.subscribers)))

	if r.publisher != nil {
		r.triggerPublisherLocked()
	}
}

// Leave removes conn from whichever slot it occupies. Subscribers remain when
// the publisher leaves; the room itself is reclaimed by the table sweep once
// both sides are gone.
func (r *Room) Leave(ctx context.Context, conn types.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publisher != nil && r.publisher.GetID() == conn.GetID() {
		r.publisher = nil
		logging.Info(ctx, "Publisher left",
			zap.String("roomId", string(r.ID)),
			zap.String("connId", string(conn.GetID())))
		return
	}
	if _, ok := r.subscribers[conn.GetID()]; ok {
		delete(r.subscribers, conn.GetID())
		logging.Info(ctx, "Subscriber left",
			zap.String("roomId", string(r.ID)),
			zap.String("connId", string(conn.GetID())),
			zap.Int("subscribers", len(r.subscribers)))
	}
}

// Publisher returns the connection holding the publisher slot, or nil.
func (r *Room) Publisher() types.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher
}

// SubscriberCount returns the current subscriber set size.
func (r *Room) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// IsEmpty reports whether the room has neither publisher nor subscribers.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.publisher == nil && len(r.subscribers) == 0
}

// BroadcastBinary fans one frame out to every subscriber, returning how many
// accepted it. Subscribers whose send failed because the connection is
// already closed are evicted from the set.
func (r *Room) BroadcastBinary(data []byte) int {
	return r.fanOut("", func(c types.Conn) bool { return c.SendBinary(data) })
}

// BroadcastText fans one text message out to every subscriber.
func (r *Room) BroadcastText(data []byte) int {
	return r.fanOut("", func(c types.Conn) bool { return c.SendText(data) })
}

// BroadcastTextExcept fans one text message out to every subscriber except
// the named sender, so a connection is never echoed its own message.
func (r *Room) BroadcastTextExcept(data []byte, sender types.ConnIDType) int {
	return r.fanOut(sender, func(c types.Conn) bool { return c.SendText(data) })
}

// SendToPublisher delivers one text message to the publisher slot. A closed
// publisher is cleared so the slot reads as free for the next join.
func (r *Room) SendToPublisher(data []byte) bool {
	r.mu.RLock()
	pub := r.publisher
	r.mu.RUnlock()

	if pub == nil {
		return false
	}
	if pub.SendText(data) {
		return true
	}
	if pub.IsClosed() {
		metrics.DroppedMessages.WithLabelValues("peer_gone").Inc()
		r.clearPublisher(pub.GetID())
	}
	return false
}

// fanOut sends to every subscriber but the excluded one, collecting closed
// connections for eviction after the read lock is released.
func (r *Room) fanOut(except types.ConnIDType, send func(types.Conn) bool) int {
	r.mu.RLock()
	var delivered int
	dead := set.New[types.ConnIDType]()
	for id, sub := range r.subscribers {
		if id == except {
			continue
		}
		if send(sub) {
			delivered++
		} else if sub.IsClosed() {
			dead.Insert(id)
		}
	}
	r.mu.RUnlock()

	if dead.Len() > 0 {
		r.evictSubscribers(dead)
	}
	return delivered
}

func (r *Room) evictSubscribers(dead set.Set[types.ConnIDType]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range dead {
		delete(r.subscribers, id)
		metrics.DroppedMessages.WithLabelValues("peer_gone").Inc()
	}
	logging.GetLogger().Debug("Evicted closed subscribers",
		zap.String("roomId", string(r.ID)),
		zap.Int("evicted", dead.Len()),
		zap.Int("remaining", len(r.subscribers)))
}

func (r *Room) clearPublisher(id types.ConnIDType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publisher != nil && r.publisher.GetID() == id {
		r.publisher = nil
	}
}

// triggerPublisherLocked sends the synthetic start_streaming nudge to the
// publisher slot. Caller holds r.mu.
func (r *Room) triggerPublisherLocked() {
	if r.publisher.SendText(protocol.BuildStartStreaming()) {
		metrics.SignalingForwards.WithLabelValues(protocol.TypeStartStreaming).Inc()
	}
}
