package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"twitch-live-proxy/internal/client"
	"twitch-live-proxy/internal/service"
)

// offlineMessage replaces lookup errors that indicate the channel is not live.
const offlineMessage = "Channel is offline or not streaming. Try a channel that is live."

// ResolveHandler turns a channel name or URL into playlist URLs.
type ResolveHandler struct {
	service *service.ResolveService
	logger  *slog.Logger
}

// NewResolveHandler creates a ResolveHandler.
func NewResolveHandler(svc *service.ResolveService, logger *slog.Logger) *ResolveHandler {
	return &ResolveHandler{
		service: svc,
		logger:  logger.With("component", "resolve_handler"),
	}
}

// Handle resolves the channel in the url query parameter.
func (h *ResolveHandler) Handle(c echo.Context) error {
	if c.Request().Method != http.MethodGet {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "method not allowed",
		})
	}

	input := c.QueryParam("url")
	if input == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "url parameter is required",
		})
	}

	res, err := h.service.Resolve(c.Request().Context(), input)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *ResolveHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidChannel):
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": service.ErrInvalidChannel.Error(),
		})
	case errors.Is(err, service.ErrNoStreams), errors.Is(err, client.ErrChannelNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": service.ErrNoStreams.Error(),
		})
	}

	h.logger.Error("resolve error",
		"err", sanitizeError(err),
	)
	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": lookupMessage(err),
	})
}

// lookupMessage picks the user-facing text for a failed lookup.
func lookupMessage(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "offline") || strings.Contains(msg, "transcode") {
		return offlineMessage
	}
	return "stream lookup failed: " + upstreamMessage(err)
}
