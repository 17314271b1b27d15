package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 100, BurstSize: 10}
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e := echo.New()
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		if err := handler(c); err != nil {
			t.Fatalf("request %d: unexpected error: %v", i, err)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	if err := handler(c); err != nil {
		t.Fatalf("first request: %v", err)
	}

	rec := httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	err := handler(c)
	if err == nil {
		t.Fatal("second request: expected rate limit error")
	}
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Errorf("err = %v", err)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	cfg := RateLimitConfig{RequestsPerSecond: 0.001, BurstSize: 1}
	handler := RateLimit(cfg)(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e := echo.New()
	reqA := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA.Header.Set("X-Real-IP", "10.0.0.1")
	if err := handler(e.NewContext(reqA, httptest.NewRecorder())); err != nil {
		t.Fatalf("client a first request: %v", err)
	}

	reqA2 := httptest.NewRequest(http.MethodGet, "/", nil)
	reqA2.Header.Set("X-Real-IP", "10.0.0.1")
	if err := handler(e.NewContext(reqA2, httptest.NewRecorder())); err == nil {
		t.Fatal("client a second request: expected rate limit error")
	}

	reqB := httptest.NewRequest(http.MethodGet, "/", nil)
	reqB.Header.Set("X-Real-IP", "10.0.0.2")
	if err := handler(e.NewContext(reqB, httptest.NewRecorder())); err != nil {
		t.Fatalf("client b first request: %v", err)
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1)
	b.allow()
	if got := b.retryAfter(); got != 1 {
		t.Errorf("retryAfter = %d, want 1", got)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("defaults = %+v", cfg)
	}
}
