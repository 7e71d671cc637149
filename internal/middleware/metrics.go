package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"twitch-live-proxy/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records request counts,
// latency, and bytes served per content kind (playlist, media, json).
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			// An *echo.HTTPError has not been written yet; the central
			// error handler does that after us.
			res := c.Response()
			statusCode := res.Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					statusCode = he.Code
				}
			}

			status := strconv.Itoa(statusCode)
			method := metrics.NormalizeMethod(c.Request().Method)
			path := metrics.NormalizePath(c.Request().URL.Path)

			m.RequestsTotal.WithLabelValues(method, status, path).Inc()
			m.RequestDuration.WithLabelValues(method, status, path).Observe(time.Since(start).Seconds())
			if res.Size > 0 {
				kind := metrics.ContentKind(res.Header().Get(echo.HeaderContentType))
				m.ResponseBytes.WithLabelValues(path, kind).Add(float64(res.Size))
			}

			return err
		}
	}
}
