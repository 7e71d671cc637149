package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"

	"twitch-live-proxy/internal/config"
	"twitch-live-proxy/internal/metrics"
	"twitch-live-proxy/internal/model"
)

var (
	// ErrChannelNotFound is returned when Twitch issues no playback token for the channel.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrChannelOffline is returned when usher has no transcode for the channel.
	ErrChannelOffline = errors.New("transcode does not exist - the stream is probably offline")
)

// playbackTokenHash identifies the PlaybackAccessToken persisted GQL query.
const playbackTokenHash = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Extensions    gqlExtensions  `json:"extensions"`
	Variables     map[string]any `json:"variables"`
}

type gqlExtensions struct {
	PersistedQuery struct {
		Version    int    `json:"version"`
		SHA256Hash string `json:"sha256Hash"`
	} `json:"persistedQuery"`
}

type gqlResponse struct {
	Data struct {
		StreamPlaybackAccessToken *playbackToken `json:"streamPlaybackAccessToken"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type playbackToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

// TwitchClient resolves a channel name to its live HLS variants.
type TwitchClient struct {
	httpClient *http.Client
	cfg        config.TwitchConfig
	header     http.Header
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewTwitchClient creates a TwitchClient. It shares the upstream transport
// settings (timeout, SOCKS5 egress, browser headers) with the media fetcher.
func NewTwitchClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*TwitchClient, error) {
	transport, err := newTransport(&cfg.Upstream)
	if err != nil {
		return nil, err
	}
	header := BrowserHeader(&cfg.Upstream.Headers)
	// Lookup responses are small; let the transport negotiate gzip itself.
	header.Del("Accept-Encoding")
	return &TwitchClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		cfg:     cfg.Twitch,
		header:  header,
		logger:  logger.With("component", "twitch_client"),
		metrics: m,
	}, nil
}

// ListStreams returns the channel's variants in master playlist order
// (source quality first).
func (c *TwitchClient) ListStreams(ctx context.Context, channel string) ([]model.Stream, error) {
	token, err := c.accessToken(ctx, channel)
	if err != nil {
		return nil, err
	}

	master, err := c.masterPlaylist(ctx, channel, token)
	if err != nil {
		return nil, err
	}

	streams := make([]model.Stream, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil || v.URI == "" {
			continue
		}
		streams = append(streams, model.Stream{
			URL:        v.URI,
			Quality:    variantQuality(v),
			Resolution: v.Resolution,
		})
	}
	c.logger.Debug("resolved channel", "channel", channel, "variants", len(streams))
	return streams, nil
}

func (c *TwitchClient) accessToken(ctx context.Context, channel string) (*playbackToken, error) {
	body := gqlRequest{
		OperationName: "PlaybackAccessToken",
		Variables: map[string]any{
			"isLive":     true,
			"login":      channel,
			"isVod":      false,
			"vodID":      "",
			"playerType": "embed",
		},
	}
	body.Extensions.PersistedQuery.Version = 1
	body.Extensions.PersistedQuery.SHA256Hash = playbackTokenHash

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode gql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.GQLURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build gql request: %w", err)
	}
	req.Header = c.header.Clone()
	req.Header.Set("Client-ID", c.cfg.ClientID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, metrics.TargetGQL)
	if err != nil {
		return nil, fmt.Errorf("gql: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gql: %w", &StatusError{StatusCode: resp.StatusCode})
	}

	var gr gqlResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&gr); err != nil {
		return nil, fmt.Errorf("gql: decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		return nil, fmt.Errorf("gql: %s", gr.Errors[0].Message)
	}
	if gr.Data.StreamPlaybackAccessToken == nil || gr.Data.StreamPlaybackAccessToken.Value == "" {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channel)
	}
	return gr.Data.StreamPlaybackAccessToken, nil
}

func (c *TwitchClient) masterPlaylist(ctx context.Context, channel string, token *playbackToken) (*m3u8.MasterPlaylist, error) {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("token", token.Value)
	q.Set("sig", token.Signature)
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("p", strconv.Itoa(rand.Intn(1_000_000)))
	usherURL := strings.TrimRight(c.cfg.UsherURL, "/") + "/" + url.PathEscape(channel) + ".m3u8?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, usherURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build usher request: %w", err)
	}
	req.Header = c.header.Clone()

	resp, err := c.do(req, metrics.TargetUsher)
	if err != nil {
		return nil, fmt.Errorf("usher: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("usher status %d: %w", resp.StatusCode, ErrChannelOffline)
	}

	pl, listType, err := m3u8.DecodeFrom(io.LimitReader(resp.Body, 1<<20), true)
	if err != nil {
		return nil, fmt.Errorf("usher: parse master playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("usher: not a master playlist")
	}
	return pl.(*m3u8.MasterPlaylist), nil
}

func (c *TwitchClient) do(req *http.Request, target string) (*http.Response, error) {
	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // closed by caller
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
		if err == nil {
			c.metrics.UpstreamResponses.WithLabelValues(target, strconv.Itoa(resp.StatusCode)).Inc()
		}
	}
	if err != nil {
		return nil, classify(req.Context(), err)
	}
	return resp, nil
}

// variantQuality names a variant the way the Twitch player does: the
// EXT-X-MEDIA NAME of its video rendition ("1080p60 (source)"), falling back
// to the VIDEO group and then the resolution.
func variantQuality(v *m3u8.Variant) string {
	for _, alt := range v.Alternatives {
		if alt != nil && alt.Name != "" && (alt.GroupId == v.Video || v.Video == "") {
			return alt.Name
		}
	}
	if v.Video != "" {
		return v.Video
	}
	if v.Resolution != "" {
		return v.Resolution
	}
	return "audio_only"
}
