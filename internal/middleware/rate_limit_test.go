package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedRouter(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Middleware())
	r.POST("/deliberate", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func hit(t *testing.T, r *gin.Engine) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deliberate", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 3, Window: time.Minute})
	r := limitedRouter(rl)

	for i := 0; i < 3; i++ {
		w := hit(t, r)
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, "3", hitHeader(t, r, "X-RateLimit-Limit"))
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute})
	r := limitedRouter(rl)

	hit(t, r)
	hit(t, r)
	w := hit(t, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimiterRefillsOverTime(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute})
	now := time.Now()
	rl.now = func() time.Time { return now }
	r := limitedRouter(rl)

	hit(t, r)
	hit(t, r)
	require.Equal(t, http.StatusTooManyRequests, hit(t, r).Code)

	// Half the window passes: one token comes back.
	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusOK, hit(t, r).Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(t, r).Code)
}

func TestRateLimiterKeysClientsSeparately(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Minute})
	r := limitedRouter(rl)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deliberate", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	// A different client has its own bucket.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/deliberate", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterSweepDropsIdleBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Second})
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.take("ip:10.0.0.1")
	rl.take("ip:10.0.0.2")
	require.Len(t, rl.buckets, 2)

	now = now.Add(time.Hour)
	rl.Sweep(10 * time.Minute)
	assert.Empty(t, rl.buckets)
}

func hitHeader(t *testing.T, r *gin.Engine, name string) string {
	t.Helper()
	return hit(t, r).Header().Get(name)
}
