package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/mbd888/aetherlock/internal/auth"
)

func newLimiter(t *testing.T, rpm, burst int) (*Limiter, *time.Time) {
	t.Helper()
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAllow(t *testing.T) {
	l, now := newLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		if !l.Allow("test-ip") {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}
	if l.Allow("test-ip") {
		t.Error("Request after burst should be denied")
	}

	// 60/min refills one token per second.
	*now = now.Add(time.Second)
	if !l.Allow("test-ip") {
		t.Error("Request after refill should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !l.Allow("client-b") {
		t.Error("Client B should not be affected by client A")
	}
	if l.Len() != 2 {
		t.Errorf("Len = %d, want 2", l.Len())
	}
}

func TestLimiterEvictIdle(t *testing.T) {
	l, now := newLimiter(t, 60, 1)
	l.Allow("old")
	*now = now.Add(10 * time.Minute)
	l.Allow("fresh")

	l.evictIdle(now.Add(-time.Minute))
	if l.Len() != 1 {
		t.Fatalf("Len = %d after eviction, want 1", l.Len())
	}
}

func TestLimiterStopTwice(t *testing.T) {
	l := New(Config{})
	l.Stop()
	l.Stop()
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newLimiter(t, 60, 1)

	caller := solana.NewWallet().PublicKey()
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if c.GetHeader("X-Test-Caller") != "" {
			c.Set(auth.ContextKeyCaller, caller)
		}
		c.Next()
	})
	router.Use(l.Middleware())
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(authed bool) int {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		if authed {
			req.Header.Set("X-Test-Caller", "1")
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	if code := get(false); code != http.StatusOK {
		t.Fatalf("first anonymous request = %d", code)
	}
	if code := get(false); code != http.StatusTooManyRequests {
		t.Fatalf("second anonymous request = %d, want 429", code)
	}
	// Verified callers get their own bucket.
	if code := get(true); code != http.StatusOK {
		t.Fatalf("authenticated request = %d", code)
	}
}
