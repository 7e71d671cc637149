// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/twitch-live-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	StaticDir string `kong:"help='Directory of static player assets served at / (overrides config).',env='STATIC_DIR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Twitch   TwitchConfig   `toml:"twitch"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	StaticDir    string          `toml:"static_dir"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	// Burst defaults to the rate rounded up. Players fetch several segments
	// at once when they start or seek.
	Burst int `toml:"burst"`
}

// ProxyConfig controls how rewritten playlist entries point back at the proxy.
type ProxyConfig struct {
	// Path is the route of the proxy endpoint and the prefix of every ProxyURL.
	Path string `toml:"path"`
	// PublicBaseURL, when set, is prepended to Path in rewritten playlists
	// (e.g. "https://live.example.com"). Empty keeps ProxyURLs same-origin relative.
	PublicBaseURL string `toml:"public_base_url"`
	ResolvePath   string `toml:"resolve_path"`
}

// UpstreamConfig holds outbound fetch settings.
type UpstreamConfig struct {
	TimeoutSeconds  int           `toml:"timeout_seconds"`
	IdleConnections int           `toml:"idle_connections"`
	MaxBodyBytes    int64         `toml:"max_body_bytes"`
	SOCKS5Proxy     string        `toml:"socks5_proxy"`
	Headers         HeadersConfig `toml:"headers"`
}

// HeadersConfig is the browser header set attached to every upstream request.
type HeadersConfig struct {
	UserAgent      string `toml:"user_agent"`
	Referer        string `toml:"referer"`
	Accept         string `toml:"accept"`
	AcceptLanguage string `toml:"accept_language"`
	AcceptEncoding string `toml:"accept_encoding"`
}

// TwitchConfig holds the channel lookup endpoints.
type TwitchConfig struct {
	ClientID string `toml:"client_id"`
	GQLURL   string `toml:"gql_url"`
	UsherURL string `toml:"usher_url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/twitch-live-proxy/config.toml then configs/config.toml, and falls back
// to built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StaticDir != "" {
		c.Server.StaticDir = cli.StaticDir
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Upstream.MaxBodyBytes < 0 {
		return fmt.Errorf("upstream.max_body_bytes must be non-negative; got %d", c.Upstream.MaxBodyBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	if c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit.burst must be >= 0; got %d", c.Server.RateLimit.Burst)
	}

	if c.Upstream.SOCKS5Proxy != "" {
		u, err := url.Parse(c.Upstream.SOCKS5Proxy)
		if err != nil {
			return fmt.Errorf("upstream.socks5_proxy is not a valid URL: %w", err)
		}
		if u.Scheme != "socks5" || u.Host == "" {
			return fmt.Errorf("upstream.socks5_proxy must look like socks5://host:port; got %q", c.Upstream.SOCKS5Proxy)
		}
	}

	// Twitch endpoints must be HTTPS when overridden.
	for name, raw := range map[string]string{
		"twitch.gql_url":   c.Twitch.GQLURL,
		"twitch.usher_url": c.Twitch.UsherURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", name, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("%s must use HTTPS; got %q", name, raw)
		}
	}

	// Route paths.
	for name, p := range map[string]string{
		"proxy.path":         c.Proxy.Path,
		"proxy.resolve_path": c.Proxy.ResolvePath,
	} {
		if p != "" && p[0] != '/' {
			return fmt.Errorf("%s must start with '/'; got %q", name, p)
		}
	}
	if c.Proxy.Path != "" && c.Proxy.Path == c.Proxy.ResolvePath {
		return fmt.Errorf("proxy.path and proxy.resolve_path must differ; both are %q", c.Proxy.Path)
	}
	if c.Proxy.PublicBaseURL != "" {
		u, err := url.Parse(c.Proxy.PublicBaseURL)
		if err != nil {
			return fmt.Errorf("proxy.public_base_url is not a valid URL: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("proxy.public_base_url must be an absolute http(s) URL; got %q", c.Proxy.PublicBaseURL)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		reserved := []string{"/proxy", "/resolve", "/api/proxy", "/api/resolve", "/healthz", "/status"}
		if c.Proxy.Path != "" {
			reserved = append(reserved, c.Proxy.Path)
		}
		if c.Proxy.ResolvePath != "" {
			reserved = append(reserved, c.Proxy.ResolvePath)
		}
		for _, r := range reserved {
			if p == r || strings.HasPrefix(p, r+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, r)
			}
		}
	}

	return nil
}

// Default browser header set. The CDN rejects or alters responses for
// requests that do not look like they come from the Twitch web player.
const (
	DefaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	DefaultReferer        = "https://www.twitch.tv/"
	DefaultAccept         = "*/*"
	DefaultAcceptLanguage = "en-US,en;q=0.9"
	DefaultAcceptEncoding = "gzip, br"
)

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 64 * 1024 // GET-only API
	}
	if c.Proxy.Path == "" {
		c.Proxy.Path = "/api/proxy"
	}
	if c.Proxy.ResolvePath == "" {
		c.Proxy.ResolvePath = "/api/resolve"
	}
	c.Proxy.PublicBaseURL = strings.TrimRight(c.Proxy.PublicBaseURL, "/")
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 15
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.MaxBodyBytes == 0 {
		c.Upstream.MaxBodyBytes = 64 * 1024 * 1024 // 64 MB
	}
	h := &c.Upstream.Headers
	if h.UserAgent == "" {
		h.UserAgent = DefaultUserAgent
	}
	if h.Referer == "" {
		h.Referer = DefaultReferer
	}
	if h.Accept == "" {
		h.Accept = DefaultAccept
	}
	if h.AcceptLanguage == "" {
		h.AcceptLanguage = DefaultAcceptLanguage
	}
	if h.AcceptEncoding == "" {
		h.AcceptEncoding = DefaultAcceptEncoding
	}
	if c.Twitch.ClientID == "" {
		c.Twitch.ClientID = "kimne78kx3ncx6brgo4mv6wki5h1ko"
	}
	if c.Twitch.GQLURL == "" {
		c.Twitch.GQLURL = "https://gql.twitch.tv/gql"
	}
	if c.Twitch.UsherURL == "" {
		c.Twitch.UsherURL = "https://usher.ttvnw.net/api/channel/hls"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ProxyPrefix returns the prefix every rewritten playlist entry starts with.
func (c *ProxyConfig) ProxyPrefix() string {
	return c.PublicBaseURL + c.Path
}

// WarnPermissions logs a warning if the config file is readable by group or others.
// The file may carry SOCKS5 proxy credentials.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
