package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"twitch-live-proxy/internal/model"
)

var (
	// ErrInvalidChannel is returned when no channel name can be extracted from the input.
	ErrInvalidChannel = errors.New("invalid Twitch channel; example: twitch.tv/channelname")
	// ErrNoStreams is returned when the channel has no live variants.
	ErrNoStreams = errors.New("no stream found or channel is offline")
)

var (
	channelURLPattern  = regexp.MustCompile(`(?:twitch\.tv/|^)([a-zA-Z0-9_]+)(?:\?|$|/)`)
	channelNamePattern = regexp.MustCompile(`^([a-zA-Z0-9_]+)$`)
)

// StreamLister looks up the live variants of a channel.
type StreamLister interface {
	ListStreams(ctx context.Context, channel string) ([]model.Stream, error)
}

// ResolveService turns a channel name or URL into playable playlist URLs.
type ResolveService struct {
	lister StreamLister
	logger *slog.Logger
}

// NewResolveService creates a ResolveService.
func NewResolveService(l StreamLister, logger *slog.Logger) *ResolveService {
	return &ResolveService{
		lister: l,
		logger: logger.With("component", "resolve_service"),
	}
}

// ExtractChannel returns the lower-cased channel name in input, which may be
// a bare name or a twitch.tv URL. It returns "" when none is found.
func ExtractChannel(input string) string {
	trimmed := strings.TrimSpace(input)
	m := channelURLPattern.FindStringSubmatch(trimmed)
	if m == nil {
		m = channelNamePattern.FindStringSubmatch(trimmed)
	}
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}

// Resolve looks up the channel named by input. The first stream is the
// highest quality and becomes the Resolution URL.
func (s *ResolveService) Resolve(ctx context.Context, input string) (*model.Resolution, error) {
	channel := ExtractChannel(input)
	if channel == "" {
		return nil, ErrInvalidChannel
	}

	streams, err := s.lister.ListStreams(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", channel, err)
	}
	if len(streams) == 0 {
		return nil, ErrNoStreams
	}

	s.logger.Debug("channel resolved", "channel", channel, "qualities", len(streams))
	return &model.Resolution{
		URL:       streams[0].URL,
		Channel:   channel,
		Qualities: streams,
	}, nil
}
