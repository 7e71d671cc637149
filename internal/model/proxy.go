// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"time"
)

// UpstreamRequest describes a single outbound fetch.
type UpstreamRequest struct {
	TargetURL string
	Header    http.Header
	Timeout   time.Duration
}

// FetchResult is a fully buffered upstream response.
type FetchResult struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// Stream is one quality variant of a live channel.
type Stream struct {
	URL        string `json:"url"`
	Quality    string `json:"quality"`
	Resolution string `json:"resolution,omitempty"`
}

// Resolution is the result of resolving a channel to its playlists.
// URL is the first (highest) quality.
type Resolution struct {
	URL       string   `json:"url"`
	Channel   string   `json:"channel"`
	Qualities []Stream `json:"qualities"`
}
