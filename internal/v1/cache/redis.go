// Package cache holds the optional redis-backed roster snapshot store. A nil
// *Service is valid and means snapshots are disabled; every method no-ops so
// callers never branch on configuration.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/screenway/relay/internal/v1/metrics"
	"github.com/screenway/relay/internal/v1/protocol"
)

// RosterKey is where the current online roster lives. The value is a JSON
// array of roster entries and carries no authority on restart.
const RosterKey = "screenway:online_users"

// Service wraps a redis client with a circuit breaker so a dead redis slows
// nothing down: writes are dropped while the breaker is open.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying redis client, or nil when the service is
// disabled. The rate limiter reuses it for its store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to redis and verifies the connection before returning.
func NewService(addr, password string, db int) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "roster-snapshot",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	slog.Info("Connected to redis snapshot store", "addr", addr, "db", db)
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// SaveRoster stores the current roster under RosterKey. An open breaker drops
// the write and returns nil; presence must never stall on redis.
func (s *Service) SaveRoster(ctx context.Context, entries []protocol.RosterEntry) error {
	if s == nil || s.client == nil {
		return nil // snapshots disabled
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		if entries == nil {
			entries = []protocol.RosterEntry{}
		}
		data, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("marshal roster: %w", err)
		}
		return nil, s.client.Set(ctx, RosterKey, data, 0).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			slog.Warn("Snapshot circuit breaker open: dropping roster write")
			return nil // graceful degradation
		}
		slog.Error("Roster snapshot write failed", "error", err)
		return err
	}

	return nil
}

// LoadRoster reads the stored roster. Missing key yields an empty slice.
func (s *Service) LoadRoster(ctx context.Context) ([]protocol.RosterEntry, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		raw, err := s.client.Get(ctx, RosterKey).Bytes()
		if err == redis.Nil {
			return []protocol.RosterEntry{}, nil
		}
		if err != nil {
			return nil, err
		}
		var entries []protocol.RosterEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("unmarshal roster: %w", err)
		}
		return entries, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil
		}
		return nil, fmt.Errorf("roster snapshot read failed: %w", err)
	}
	return res.([]protocol.RosterEntry), nil
}

// Ping checks redis connectivity. Used by the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close shuts down the redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
