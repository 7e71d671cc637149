// Package client provides the outbound HTTP clients: the media fetcher and
// the Twitch channel lookup.
package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/proxy"

	"twitch-live-proxy/internal/config"
	"twitch-live-proxy/internal/metrics"
	"twitch-live-proxy/internal/model"
)

// DefaultContentType is reported when the upstream does not declare one.
const DefaultContentType = "application/octet-stream"

var (
	// ErrUpstreamTimeout is returned when no complete response arrives within the fetch timeout.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrUpstreamError is returned for transport failures and unusable upstream responses.
	ErrUpstreamError = errors.New("upstream request failed")
)

// StatusError reports an upstream response outside the 2xx range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// Unwrap lets errors.Is(err, ErrUpstreamError) match status failures.
func (e *StatusError) Unwrap() error {
	return ErrUpstreamError
}

// UpstreamClient fetches playlists and media segments from the CDN.
type UpstreamClient struct {
	httpClient   *http.Client
	header       http.Header
	timeout      time.Duration
	maxBodyBytes int64
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	transport, err := newTransport(&cfg.Upstream)
	if err != nil {
		return nil, err
	}
	return &UpstreamClient{
		httpClient:   &http.Client{Transport: transport},
		header:       BrowserHeader(&cfg.Upstream.Headers),
		timeout:      time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		maxBodyBytes: cfg.Upstream.MaxBodyBytes,
		logger:       logger.With("component", "upstream_client"),
		metrics:      m,
	}, nil
}

// newTransport builds the pooled transport shared by all upstream calls,
// dialing through a SOCKS5 proxy when one is configured.
func newTransport(cfg *config.UpstreamConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		MaxIdleConns:        cfg.IdleConnections,
		MaxIdleConnsPerHost: cfg.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext:         dialer.DialContext,
	}
	if cfg.SOCKS5Proxy == "" {
		return transport, nil
	}

	u, err := url.Parse(cfg.SOCKS5Proxy)
	if err != nil {
		return nil, fmt.Errorf("parse socks5 proxy: %w", err)
	}
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	socks, err := proxy.SOCKS5("tcp", u.Host, auth, dialer)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	cd, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support contexts")
	}
	transport.DialContext = cd.DialContext
	return transport, nil
}

// BrowserHeader converts the configured header set into an http.Header.
func BrowserHeader(h *config.HeadersConfig) http.Header {
	header := make(http.Header)
	set := func(key, val string) {
		if val != "" {
			header.Set(key, val)
		}
	}
	set("User-Agent", h.UserAgent)
	set("Referer", h.Referer)
	set("Accept", h.Accept)
	set("Accept-Language", h.AcceptLanguage)
	set("Accept-Encoding", h.AcceptEncoding)
	return header
}

// NewRequest builds an UpstreamRequest for target carrying the browser header set.
func (c *UpstreamClient) NewRequest(target string) *model.UpstreamRequest {
	return &model.UpstreamRequest{
		TargetURL: target,
		Header:    c.header.Clone(),
		Timeout:   c.timeout,
	}
}

// Fetch retrieves target with the browser header set and the configured timeout.
func (c *UpstreamClient) Fetch(ctx context.Context, target string) (*model.FetchResult, error) {
	return c.Do(ctx, c.NewRequest(target))
}

// Do executes a single GET and buffers the decoded body. There are no retries.
func (c *UpstreamClient) Do(ctx context.Context, ur *model.UpstreamRequest) (*model.FetchResult, error) {
	if ur.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ur.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ur.TargetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrUpstreamError, err)
	}
	req.Header = ur.Header.Clone()

	c.logger.Debug("upstream request",
		"host", req.URL.Host,
		"path", req.URL.Path,
	)

	start := time.Now()
	result, err := c.do(req)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(metrics.TargetMedia).Observe(duration)
		if result != nil {
			c.metrics.UpstreamResponses.WithLabelValues(metrics.TargetMedia, strconv.Itoa(result.StatusCode)).Inc()
			c.metrics.UpstreamBytes.WithLabelValues(metrics.TargetMedia).Add(float64(len(result.Body)))
		}
	}
	if err != nil {
		return nil, classify(ctx, err)
	}
	return result, nil
}

func (c *UpstreamClient) do(req *http.Request) (*model.FetchResult, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &model.FetchResult{StatusCode: resp.StatusCode}, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := readBody(resp, c.maxBodyBytes)
	if err != nil {
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &model.FetchResult{
		Body:        body,
		ContentType: contentType,
		StatusCode:  resp.StatusCode,
	}, nil
}

// readBody reads the whole response, undoing gzip or brotli content encoding.
// Bodies larger than limit (after decoding) are rejected.
func readBody(resp *http.Response, limit int64) ([]byte, error) {
	var r io.Reader = resp.Body
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip body: %w", err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	case "br":
		r = brotli.NewReader(resp.Body)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", resp.Header.Get("Content-Encoding"))
	}

	if limit <= 0 {
		return io.ReadAll(r)
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}

// classify maps a failed fetch onto ErrUpstreamTimeout or ErrUpstreamError,
// keeping the cause in the chain.
func classify(ctx context.Context, err error) error {
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamError, err)
}
