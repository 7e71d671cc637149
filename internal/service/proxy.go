// Package service implements the proxy and channel resolution logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path"
	"strings"

	"twitch-live-proxy/internal/client"
	"twitch-live-proxy/internal/config"
	"twitch-live-proxy/internal/metrics"
	"twitch-live-proxy/internal/playlist"
)

var (
	// ErrInvalidTarget is returned when the requested upstream URL is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("url must be an absolute http or https URL")
	// ErrProxyLoop is returned when the upstream URL points back at this proxy.
	ErrProxyLoop = errors.New("url points back at this proxy")
)

// Cache-Control values for proxied responses. Live playlists change every
// segment; segments are immutable once published.
const (
	PlaylistCacheControl = "no-cache"
	SegmentCacheControl  = "public, max-age=3600"
)

// ProxyResult is the response to write back for a proxied URL.
type ProxyResult struct {
	Body         []byte
	ContentType  string
	CacheControl string
	Playlist     bool
}

// ProxyService fetches upstream URLs and rewrites playlists.
type ProxyService struct {
	client    *client.UpstreamClient
	rewriter  *playlist.Rewriter
	selfPaths []string
	selfHost  string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c *client.UpstreamClient, rw *playlist.Rewriter, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := &ProxyService{
		client:    c,
		rewriter:  rw,
		selfPaths: []string{cfg.Proxy.Path, "/proxy", "/api/proxy"},
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
	if cfg.Proxy.PublicBaseURL != "" {
		if u, err := url.Parse(cfg.Proxy.PublicBaseURL); err == nil && u.Host != "" {
			s.selfHost = hostPort(u)
		}
	}
	return s
}

// NewRewriter builds the playlist rewriter from the proxy config.
func NewRewriter(cfg *config.Config) *playlist.Rewriter {
	return playlist.NewRewriter(cfg.Proxy.ProxyPrefix())
}

// Proxy fetches target and, when it names a playlist, rewrites every URI in
// it to a proxy URL. requestHost is the Host of the inbound request and is
// used to refuse targets that loop back into this proxy.
func (s *ProxyService) Proxy(ctx context.Context, target, requestHost string) (*ProxyResult, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidTarget
	}
	if s.isSelf(u, requestHost) {
		return nil, ErrProxyLoop
	}

	res, err := s.client.Fetch(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	if !playlist.IsPlaylistURL(target) {
		return &ProxyResult{
			Body:         res.Body,
			ContentType:  res.ContentType,
			CacheControl: SegmentCacheControl,
		}, nil
	}

	rewritten, n, err := s.rewriter.RewriteCount(target, string(res.Body))
	if err != nil {
		return nil, fmt.Errorf("rewrite: %w", err)
	}
	if s.metrics != nil {
		s.metrics.PlaylistRewrites.Inc()
		s.metrics.RewrittenURIs.Add(float64(n))
	}
	s.logger.Debug("rewrote playlist",
		"host", u.Host,
		"uris", n,
	)

	return &ProxyResult{
		Body:         []byte(rewritten),
		ContentType:  playlist.ContentType,
		CacheControl: PlaylistCacheControl,
		Playlist:     true,
	}, nil
}

// isSelf reports whether u targets one of this proxy's own proxy routes.
// Hosts match on host and port; a request Host without a port matches on
// hostname alone.
func (s *ProxyService) isSelf(u *url.URL, requestHost string) bool {
	target := hostPort(u)
	self := s.selfHost != "" && target == s.selfHost
	if !self && requestHost != "" {
		if h, p, err := net.SplitHostPort(requestHost); err == nil {
			self = target == net.JoinHostPort(strings.ToLower(h), p)
		} else {
			self = strings.ToLower(u.Hostname()) == strings.ToLower(requestHost)
		}
	}
	if !self {
		return false
	}
	p := path.Clean("/" + u.Path)
	for _, sp := range s.selfPaths {
		if p == path.Clean("/"+sp) {
			return true
		}
	}
	return false
}

// hostPort returns u's lower-cased host and port, filling in the scheme's
// default port when none is given.
func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(strings.ToLower(u.Hostname()), port)
}
