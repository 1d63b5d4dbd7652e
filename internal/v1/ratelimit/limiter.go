// Package ratelimit throttles WebSocket upgrade attempts per client IP,
// backed by Redis when one is configured and process memory otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/screenway/relay/internal/v1/logging"
	"github.com/screenway/relay/internal/v1/metrics"
)

// Limiter throttles upgrade attempts per client IP. A nil *Limiter allows
// everything, so callers can hold one unconditionally.
type Limiter struct {
	ws *limiter.Limiter
}

// New builds a limiter from a formatted rate such as "30-M" (30 per minute).
// An empty rate disables limiting and returns nil. A nil redis client selects
// the in-process memory store.
func New(rate string, redisClient *redis.Client) (*Limiter, error) {
	if rate == "" {
		return nil, nil
	}

	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "relay:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	return &Limiter{ws: limiter.New(store, parsed)}, nil
}

// CheckWebSocket enforces the per-IP limit ahead of an upgrade. It reports
// true when the connection may proceed; on rejection it writes the 429
// response itself. A store failure fails open so a dead Redis never takes the
// relay down with it.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	if l == nil || l.ws == nil {
		return true
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	res, err := l.ws.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

	if res.Reached {
		metrics.RateLimitExceeded.WithLabelValues("ip").Inc()
		logging.Warn(ctx, "WebSocket upgrade rate limited", zap.String("ip", ip))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}
