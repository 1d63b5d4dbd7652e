package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/login", nil)
	c.Request.RemoteAddr = "203.0.113.7:4242"
	return c, w
}

func TestNew_EmptyRateDisablesLimiting(t *testing.T) {
	l, err := New("", nil)
	require.NoError(t, err)
	assert.Nil(t, l)

	// A nil limiter allows everything.
	c, _ := newTestContext(t)
	assert.True(t, l.CheckWebSocket(c))
}

func TestNew_InvalidRate(t *testing.T) {
	_, err := New("plenty", nil)
	assert.Error(t, err)
}

func TestCheckWebSocket_MemoryStore(t *testing.T) {
	l, err := New("3-M", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c, w := newTestContext(t)
		assert.True(t, l.CheckWebSocket(c), "request %d should pass", i+1)
		assert.Equal(t, "3", w.Header().Get("X-RateLimit-Limit"))
	}

	c, w := newTestContext(t)
	assert.False(t, l.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckWebSocket_RedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	l, err := New("2-M", rc)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		c, _ := newTestContext(t)
		assert.True(t, l.CheckWebSocket(c))
	}

	c, w := newTestContext(t)
	assert.False(t, l.CheckWebSocket(c))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckWebSocket_FailsOpenOnDeadStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	l, err := New("1-M", rc)
	require.NoError(t, err)

	mr.Close()

	c, w := newTestContext(t)
	assert.True(t, l.CheckWebSocket(c))
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)
}

func TestCheckWebSocket_PerIPIsolation(t *testing.T) {
	l, err := New("1-M", nil)
	require.NoError(t, err)

	c1, _ := newTestContext(t)
	c1.Request.RemoteAddr = "198.51.100.1:1000"
	assert.True(t, l.CheckWebSocket(c1))

	// Same IP is over the limit now.
	c2, w2 := newTestContext(t)
	c2.Request.RemoteAddr = "198.51.100.1:2000"
	assert.False(t, l.CheckWebSocket(c2))
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)

	// A different IP still gets in.
	c3, _ := newTestContext(t)
	c3.Request.RemoteAddr = "198.51.100.2:3000"
	assert.True(t, l.CheckWebSocket(c3))
}
