package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"twitch-live-proxy/internal/middleware"
)

func TestRateLimiter_BurstThenReject(t *testing.T) {
	e := echo.New()
	e.Use(middleware.CORS())
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(0.01),
		Burst: 3,
	})
	e.Use(echomw.RateLimiter(store))
	e.GET("/api/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	// A player starting up fetches the playlist and a couple of segments.
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=x", http.NoBody)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, rec.Code, http.StatusOK)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=x", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
	if got := rec.Header().Get(echo.HeaderAccessControlAllowOrigin); got != "*" {
		t.Errorf("rejected response Access-Control-Allow-Origin = %q, want %q", got, "*")
	}
}

func TestRateLimiter_PerClientIP(t *testing.T) {
	e := echo.New()
	store := echomw.NewRateLimiterMemoryStoreWithConfig(echomw.RateLimiterMemoryStoreConfig{
		Rate:  rate.Limit(0.01),
		Burst: 1,
	})
	e.Use(echomw.RateLimiter(store))
	e.GET("/api/proxy", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, ip := range []string{"192.0.2.1:1234", "192.0.2.2:1234"} {
		req := httptest.NewRequest(http.MethodGet, "/api/proxy?url=x", http.NoBody)
		req.RemoteAddr = ip
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want %d", ip, rec.Code, http.StatusOK)
		}
	}
}
