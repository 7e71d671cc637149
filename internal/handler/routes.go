package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"twitch-live-proxy/internal/config"
	"twitch-live-proxy/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The proxy and resolve endpoints are reachable under their configured path
// and under both /x and /api/x. Method checks happen in the handlers so other
// methods get a 405 in the endpoint's own error format.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, resolve *ResolveHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	for _, p := range uniquePaths(cfg.Proxy.Path, "/proxy", "/api/proxy") {
		e.Any(p, proxy.Handle)
	}
	for _, p := range uniquePaths(cfg.Proxy.ResolvePath, "/resolve", "/api/resolve") {
		e.Any(p, resolve.Handle)
	}

	if cfg.Server.StaticDir != "" {
		e.Static("/", cfg.Server.StaticDir)
	}
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}

func uniquePaths(paths ...string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
