package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"twitch-live-proxy/internal/client"
	"twitch-live-proxy/internal/playlist"
	"twitch-live-proxy/internal/service"
)

// secretParamPattern matches playback token and signature values in URLs
// embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:token|sig)=)[^&\s"]+`)

// ProxyHandler serves playlists and segments fetched from upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle fetches the upstream URL from the url query parameter. Playlists
// come back rewritten; everything else is relayed byte for byte.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	if req.Method != http.MethodGet {
		return c.String(http.StatusMethodNotAllowed, "method not allowed")
	}

	target := c.QueryParam(playlist.QueryParam)
	if target == "" {
		return c.String(http.StatusBadRequest, "url parameter is required")
	}

	res, err := h.service.Proxy(req.Context(), target, req.Host)
	if err != nil {
		return h.mapError(c, err)
	}

	c.Response().Header().Set("Cache-Control", res.CacheControl)
	return c.Blob(http.StatusOK, res.ContentType, res.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrInvalidTarget) {
		return c.String(http.StatusBadRequest, service.ErrInvalidTarget.Error())
	}
	if errors.Is(err, service.ErrProxyLoop) {
		return c.String(http.StatusLoopDetected, service.ErrProxyLoop.Error())
	}
	return c.String(http.StatusBadGateway, "stream fetch failed: "+upstreamMessage(err))
}

// upstreamMessage describes an upstream failure without exposing URLs or internals.
func upstreamMessage(err error) string {
	if errors.Is(err, client.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}
	var se *client.StatusError
	if errors.As(err, &se) {
		return se.Error()
	}
	if errors.Is(err, playlist.ErrMalformedPlaylist) {
		return "upstream returned a malformed playlist"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}
	if errors.Is(err, client.ErrUpstreamError) {
		return "upstream connection failed"
	}
	return "upstream request failed"
}

// sanitizeError redacts playback tokens and signatures from error messages
// that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
