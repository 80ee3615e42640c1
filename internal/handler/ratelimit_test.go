package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/handler"
)

func TestRateLimiter_429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func limitedRouter(ctx context.Context, rps float64, burst int) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handler.RateLimiter(ctx, rps, burst))
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	r.GET("/healthz", ok)
	r.GET("/api/v1/ledger/chains/:chain/verify", ok)
	r.GET("/api/v1/ledger/chains/:chain/entries/:seq", ok)
	return r
}

func serve(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRateLimiter_verifyDrawsMoreTokens(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := limitedRouter(ctx, 0.1, 5)

	if w := serve(r, "/api/v1/ledger/chains/acct-1/verify"); w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}
	w := serve(r, "/api/v1/ledger/chains/acct-1/entries/1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected the verify to have drained the bucket, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "10" {
		t.Errorf("expected Retry-After 10 at 0.1 rps, got %q", got)
	}
}

func TestRateLimiter_readsWithinBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := limitedRouter(ctx, 0.1, 5)

	for i := 0; i < 5; i++ {
		if w := serve(r, "/api/v1/ledger/chains/acct-1/entries/1"); w.Code != http.StatusOK {
			t.Fatalf("read %d: expected 200, got %d", i+1, w.Code)
		}
	}
	if w := serve(r, "/api/v1/ledger/chains/acct-1/entries/1"); w.Code != http.StatusTooManyRequests {
		t.Fatalf("sixth read: expected 429, got %d", w.Code)
	}
}

func TestRateLimiter_healthExempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := limitedRouter(ctx, 1, 1)

	for i := 0; i < 3; i++ {
		if w := serve(r, "/healthz"); w.Code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i+1, w.Code)
		}
	}
}
