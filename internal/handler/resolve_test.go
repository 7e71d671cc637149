package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"twitch-live-proxy/internal/client"
	"twitch-live-proxy/internal/model"
	"twitch-live-proxy/internal/service"
)

type fakeLister struct {
	streams []model.Stream
	err     error
	calls   int
}

func (f *fakeLister) ListStreams(_ context.Context, _ string) ([]model.Stream, error) {
	f.calls++
	return f.streams, f.err
}

func newTestResolveHandler(l service.StreamLister) *ResolveHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewResolveHandler(service.NewResolveService(l, logger), logger)
}

func serveResolve(t *testing.T, h *ResolveHandler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	return rec
}

func TestResolveHandler_Handle(t *testing.T) {
	lister := &fakeLister{streams: []model.Stream{
		{URL: "https://video-weaver.example/v1/playlist/source.m3u8", Quality: "1080p60 (source)", Resolution: "1920x1080"},
		{URL: "https://video-weaver.example/v1/playlist/720p.m3u8", Quality: "720p60", Resolution: "1280x720"},
	}}
	h := newTestResolveHandler(lister)

	rec := serveResolve(t, h, http.MethodGet, "/api/resolve?url=https%3A%2F%2Fwww.twitch.tv%2FSomeChannel")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var body model.Resolution
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Channel != "somechannel" {
		t.Errorf("channel = %q, want %q", body.Channel, "somechannel")
	}
	if body.URL != lister.streams[0].URL {
		t.Errorf("url = %q, want %q", body.URL, lister.streams[0].URL)
	}
	if len(body.Qualities) != 2 || body.Qualities[1].Quality != "720p60" {
		t.Errorf("qualities = %+v", body.Qualities)
	}
}

func TestResolveHandler_Handle_Errors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		target     string
		lister     *fakeLister
		wantStatus int
		wantError  string
		wantCalls  int
	}{
		{
			name:       "method not allowed",
			method:     http.MethodPost,
			target:     "/api/resolve?url=somechannel",
			lister:     &fakeLister{},
			wantStatus: http.StatusMethodNotAllowed,
			wantError:  "method not allowed",
		},
		{
			name:       "missing url",
			method:     http.MethodGet,
			target:     "/api/resolve",
			lister:     &fakeLister{},
			wantStatus: http.StatusBadRequest,
			wantError:  "url parameter is required",
		},
		{
			name:       "invalid channel",
			method:     http.MethodGet,
			target:     "/api/resolve?url=not%20a%20channel!",
			lister:     &fakeLister{},
			wantStatus: http.StatusBadRequest,
			wantError:  service.ErrInvalidChannel.Error(),
		},
		{
			name:       "unknown channel",
			method:     http.MethodGet,
			target:     "/api/resolve?url=doesnotexist123",
			lister:     &fakeLister{err: fmt.Errorf("%w: doesnotexist123", client.ErrChannelNotFound)},
			wantStatus: http.StatusNotFound,
			wantError:  service.ErrNoStreams.Error(),
			wantCalls:  1,
		},
		{
			name:       "no variants",
			method:     http.MethodGet,
			target:     "/api/resolve?url=quietchannel",
			lister:     &fakeLister{},
			wantStatus: http.StatusNotFound,
			wantError:  service.ErrNoStreams.Error(),
			wantCalls:  1,
		},
		{
			name:       "offline",
			method:     http.MethodGet,
			target:     "/api/resolve?url=sleepychannel",
			lister:     &fakeLister{err: fmt.Errorf("usher status 404: %w", client.ErrChannelOffline)},
			wantStatus: http.StatusBadGateway,
			wantError:  offlineMessage,
			wantCalls:  1,
		},
		{
			name:       "lookup timeout",
			method:     http.MethodGet,
			target:     "/api/resolve?url=slowchannel",
			lister:     &fakeLister{err: fmt.Errorf("gql: %w", client.ErrUpstreamTimeout)},
			wantStatus: http.StatusBadGateway,
			wantError:  "stream lookup failed: upstream request timed out",
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestResolveHandler(tt.lister)
			rec := serveResolve(t, h, tt.method, tt.target)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
			if tt.lister.calls != tt.wantCalls {
				t.Errorf("lister calls = %d, want %d", tt.lister.calls, tt.wantCalls)
			}
		})
	}
}
