// Package reaper owns the liveness timers: a fast sweep that evicts users
// with stale heartbeats and a slower sweep that reclaims empty rooms.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/presence"
	"github.com/screenway/relay/internal/v1/room"
)

// Reaper drives the registry and room-table sweeps. Eviction and broadcast
// logic lives in those packages; the reaper only supplies the cadence.
type Reaper struct {
	registry     *presence.Registry
	rooms        *room.Table
	interval     time.Duration
	roomInterval time.Duration
}

// New creates a reaper sweeping heartbeats every interval and empty rooms
// every roomInterval.
func New(registry *presence.Registry, rooms *room.Table, interval, roomInterval time.Duration) *Reaper {
	return &Reaper{
		registry:     registry,
		rooms:        rooms,
		interval:     interval,
		roomInterval: roomInterval,
	}
}

// Run blocks until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) error {
	heartbeats := time.NewTicker(r.interval)
	defer heartbeats.Stop()
	roomSweep := time.NewTicker(r.roomInterval)
	defer roomSweep.Stop()

	logging.Info(ctx, "Reaper started",
		zap.Duration("heartbeatInterval", r.interval),
		zap.Duration("roomSweepInterval", r.roomInterval))

	for {
		select {
		case <-ctx.Done():
			logging.Info(ctx, "Reaper stopped")
			return nil
		case <-heartbeats.C:
			if evicted := r.registry.SweepExpired(ctx); len(evicted) > 0 {
				logging.Info(ctx, "Evicted silent users", zap.Int("count", len(evicted)))
			}
		case <-roomSweep.C:
			if removed := r.rooms.SweepEmpty(ctx); removed > 0 {
				logging.Info(ctx, "Swept empty rooms", zap.Int("count", removed))
			}
		}
	}
}
