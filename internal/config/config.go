// Package config assembles replayguardd's process-level configuration via
// functional options, grounded on chromedp's BrowserOption/ContextOption/
// ExecAllocatorOption pattern (browser.go/context.go/allocate.go): a zero
// Config plus a slice of `Option func(*Config)` applied in order, so
// cmd/replayguardd can layer flag defaults, env overrides, and explicit
// overrides without a half-built struct ever escaping this package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/afero"
)

// Config holds every knob a replayguardd process needs: the HTTP surface,
// the browser connection, the replay store, and per-session defaults handed
// to each internal/coordinator.Coordinator it builds.
type Config struct {
	ListenAddr   string
	BrowserWSURL string

	ReplayStoreDSN string

	VideoEnabled bool
	VideoDir     string

	DrainInterval time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	MetricsAPIKeys []string

	LogLevel string

	// FS is the filesystem abstraction used to prepare VideoDir, swappable
	// in tests for an in-memory afero.Fs.
	FS afero.Fs
}

// Option mutates a Config under construction.
type Option func(*Config)

// Default returns the baseline Config before flags/env are applied.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		ReplayStoreDSN: "file:replayguard.db?cache=shared",
		VideoDir:       "./videos",
		DrainInterval:  500 * time.Millisecond,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		LogLevel:       "info",
		FS:             afero.NewOsFs(),
	}
}

// New builds a Config by applying opts over Default() in order.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithListenAddr(addr string) Option { return func(c *Config) { c.ListenAddr = addr } }

func WithBrowserWSURL(url string) Option { return func(c *Config) { c.BrowserWSURL = url } }

func WithReplayStoreDSN(dsn string) Option { return func(c *Config) { c.ReplayStoreDSN = dsn } }

func WithVideo(enabled bool, dir string) Option {
	return func(c *Config) { c.VideoEnabled = enabled; c.VideoDir = dir }
}

func WithDrainInterval(d time.Duration) Option { return func(c *Config) { c.DrainInterval = d } }

func WithRateLimit(rps float64, burst int) Option {
	return func(c *Config) { c.RateLimitRPS = rps; c.RateLimitBurst = burst }
}

func WithMetricsAPIKeys(keys []string) Option {
	return func(c *Config) { c.MetricsAPIKeys = keys }
}

func WithLogLevel(level string) Option { return func(c *Config) { c.LogLevel = level } }

func WithFS(fs afero.Fs) Option { return func(c *Config) { c.FS = fs } }

// EnvOverlay applies environment variables over cfg using simple
// REPLAYGUARD_-prefixed struct-tag-style names (grafana-k6's go.mod pulls
// in an envconfig-style overlay for exactly this purpose; replayguard
// mirrors the idea with explicit, small lookups rather than a reflection
// based library, since only a handful of knobs are env-overridable).
func (c *Config) EnvOverlay() error {
	if v, ok := os.LookupEnv("REPLAYGUARD_LISTEN_ADDR"); ok {
		c.ListenAddr = v
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_BROWSER_WS_URL"); ok {
		c.BrowserWSURL = v
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_REPLAY_STORE_DSN"); ok {
		c.ReplayStoreDSN = v
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_VIDEO_DIR"); ok {
		c.VideoDir = v
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_VIDEO_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: REPLAYGUARD_VIDEO_ENABLED: %w", err)
		}
		c.VideoEnabled = b
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_DRAIN_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: REPLAYGUARD_DRAIN_INTERVAL: %w", err)
		}
		c.DrainInterval = d
	}
	if v, ok := os.LookupEnv("REPLAYGUARD_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return nil
}

// EnsureVideoDir creates VideoDir on c.FS if video capture is enabled.
func (c *Config) EnsureVideoDir() error {
	if !c.VideoEnabled {
		return nil
	}
	return c.FS.MkdirAll(c.VideoDir, 0o755)
}

// Validate checks the invariants cmd/replayguardd's serve command depends
// on before it starts accepting connections.
func (c *Config) Validate() error {
	if c.BrowserWSURL == "" {
		return fmt.Errorf("config: browser-ws-url is required")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("config: rate-limit-rps must be positive")
	}
	return nil
}
