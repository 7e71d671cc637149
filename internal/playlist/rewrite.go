// Package playlist rewrites HLS playlists so that every referenced URI is
// fetched back through the proxy.
package playlist

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentType is the media type served for rewritten playlists.
const ContentType = "application/vnd.apple.mpegurl"

// QueryParam is the proxy query parameter carrying the upstream URL.
const QueryParam = "url"

// ErrMalformedPlaylist is returned when a playlist or its base URL cannot be parsed.
var ErrMalformedPlaylist = errors.New("malformed playlist")

// IsPlaylistURL reports whether target names an HLS playlist, i.e. its path
// ends in ".m3u8" (a query string after it is allowed).
func IsPlaylistURL(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return strings.HasSuffix(target, ".m3u8") || strings.Contains(target, ".m3u8?")
	}
	return strings.HasSuffix(strings.ToLower(u.Path), ".m3u8")
}

// Rewriter turns playlist URI lines into proxy URLs.
type Rewriter struct {
	prefix string
}

// NewRewriter creates a Rewriter whose proxy URLs start with prefix,
// e.g. "/api/proxy" or "https://live.example.com/api/proxy".
func NewRewriter(prefix string) *Rewriter {
	return &Rewriter{prefix: prefix}
}

// Prefix returns the proxy URL prefix.
func (r *Rewriter) Prefix() string {
	return r.prefix
}

// ProxyURL encodes an absolute upstream URL as a proxy URL.
func (r *Rewriter) ProxyURL(target string) string {
	return r.prefix + "?" + QueryParam + "=" + url.QueryEscape(target)
}

// DecodeProxyURL recovers the upstream URL from a proxy URL built by ProxyURL.
func DecodeProxyURL(proxyURL string) (string, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", fmt.Errorf("parse proxy url: %w", err)
	}
	target := u.Query().Get(QueryParam)
	if target == "" {
		return "", fmt.Errorf("proxy url %q has no %s parameter", proxyURL, QueryParam)
	}
	return target, nil
}

// Base returns the directory a playlist lives in: the playlist URL with its
// final path segment, query and fragment removed.
func Base(playlistURL string) (*url.URL, error) {
	u, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", ErrMalformedPlaylist, err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("%w: base url %q is not absolute", ErrMalformedPlaylist, playlistURL)
	}
	base := *u
	base.RawQuery = ""
	base.ForceQuery = false
	base.Fragment = ""
	base.RawFragment = ""
	// Cut on the escaped form so an encoded slash stays inside its segment.
	dir := "/"
	if escaped := u.EscapedPath(); escaped != "" {
		if i := strings.LastIndex(escaped, "/"); i >= 0 {
			dir = escaped[:i+1]
		}
	}
	path, err := url.PathUnescape(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: base url path: %w", ErrMalformedPlaylist, err)
	}
	base.Path = path
	base.RawPath = dir
	return &base, nil
}

// Resolve returns the absolute upstream URL for a playlist URI line.
// Lines that already carry an http or https scheme are returned verbatim.
// Relative lines lose their fragment; lines with any other scheme are
// rejected with ErrMalformedPlaylist.
func Resolve(base *url.URL, line string) (string, error) {
	ref, err := url.Parse(line)
	if err != nil {
		return "", fmt.Errorf("%w: uri %q: %w", ErrMalformedPlaylist, line, err)
	}
	if ref.Scheme == "http" || ref.Scheme == "https" {
		return line, nil
	}
	if ref.Scheme != "" {
		return "", fmt.Errorf("%w: uri %q has unsupported scheme %q", ErrMalformedPlaylist, line, ref.Scheme)
	}
	target := base.ResolveReference(ref)
	target.Fragment = ""
	target.RawFragment = ""
	return target.String(), nil
}

// Rewrite replaces every URI line of text with a proxy URL. Lines are trimmed;
// blank lines and lines starting with '#' are otherwise kept as-is, so tag
// attributes (EXT-X-KEY URIs included) are not proxied. The output has exactly
// as many lines as the input. Master and media playlists are treated alike.
func (r *Rewriter) Rewrite(playlistURL, text string) (string, error) {
	out, _, err := r.RewriteCount(playlistURL, text)
	return out, err
}

// RewriteCount is Rewrite that also returns the number of URI lines replaced.
func (r *Rewriter) RewriteCount(playlistURL, text string) (string, int, error) {
	base, err := Base(playlistURL)
	if err != nil {
		return "", 0, err
	}

	lines := strings.Split(text, "\n")
	n := 0
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			lines[i] = line
			continue
		}
		target, err := Resolve(base, line)
		if err != nil {
			return "", 0, err
		}
		lines[i] = r.ProxyURL(target)
		n++
	}
	return strings.Join(lines, "\n"), n, nil
}
