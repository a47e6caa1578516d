package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/browserless-labs/replayguard/internal/config"
	"github.com/browserless-labs/replayguard/internal/coordinator"
	"github.com/browserless-labs/replayguard/internal/httpapi"
	"github.com/browserless-labs/replayguard/internal/metrics"
	"github.com/browserless-labs/replayguard/internal/replaystore"
	"github.com/browserless-labs/replayguard/internal/transport"
)

// shutdownNormalTimeout and shutdownPanicTimeout are the two drain
// deadlines a signal can trigger: a normal SIGTERM/SIGINT/SIGHUP gets the
// full window, SIGUSR2 gets a shorter one. Nothing in this process raises
// SIGUSR2 itself; it comes from outside.
const (
	shutdownNormalTimeout = 10 * time.Second
	shutdownPanicTimeout  = 5 * time.Second
)

// ServeOptions carries serve's flag values through Complete/Validate/Run,
// grounded on tomasbasham/har-capture's internal/cmd/serve.go.
type ServeOptions struct {
	ListenAddr     string
	BrowserWSURL   string
	ReplayStoreDSN string
	VideoEnabled   bool
	VideoDir       string
	DrainInterval  time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
	MetricsAPIKeys []string
	LogLevel       string

	cfg config.Config
}

func newServeCommand() *cobra.Command {
	o := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Session Coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&o.ListenAddr, "listen-addr", ":8080", "management HTTP listen address")
	cmd.Flags().StringVar(&o.BrowserWSURL, "browser-ws-url", "", "browser-wide CDP WebSocket debugger URL (required)")
	cmd.Flags().StringVar(&o.ReplayStoreDSN, "replay-store-dsn", "file:replayguard.db?cache=shared", "replay store sqlite DSN")
	cmd.Flags().BoolVar(&o.VideoEnabled, "video-enabled", false, "encode and persist screencast video for each tab replay")
	cmd.Flags().StringVar(&o.VideoDir, "video-dir", "./videos", "directory screencast video is staged/stored in")
	cmd.Flags().DurationVar(&o.DrainInterval, "drain-interval", 500*time.Millisecond, "event drain loop tick interval")
	cmd.Flags().Float64Var(&o.RateLimitRPS, "rate-limit-rps", 5, "management surface rate limit, requests/sec per identity")
	cmd.Flags().IntVar(&o.RateLimitBurst, "rate-limit-burst", 10, "management surface rate limit burst")
	cmd.Flags().StringSliceVar(&o.MetricsAPIKeys, "metrics-api-key", nil, "API key accepted by the metrics/debug endpoints (repeatable)")
	cmd.Flags().StringVar(&o.LogLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}

// Complete assembles a config.Config from flags, then layers env overrides
// over it (spec-silent on precedence; replayguard follows the common
// flags-then-env convention so a deployment's env can override a baked-in
// flag default without a redeploy).
func (o *ServeOptions) Complete() error {
	o.cfg = config.New(
		config.WithListenAddr(o.ListenAddr),
		config.WithBrowserWSURL(o.BrowserWSURL),
		config.WithReplayStoreDSN(o.ReplayStoreDSN),
		config.WithVideo(o.VideoEnabled, o.VideoDir),
		config.WithDrainInterval(o.DrainInterval),
		config.WithRateLimit(o.RateLimitRPS, o.RateLimitBurst),
		config.WithMetricsAPIKeys(o.MetricsAPIKeys),
		config.WithLogLevel(o.LogLevel),
	)
	return o.cfg.EnvOverlay()
}

func (o *ServeOptions) Validate() error {
	return o.cfg.Validate()
}

func (o *ServeOptions) Run(ctx context.Context) error {
	log := newLogger(o.cfg.LogLevel)

	if err := o.cfg.EnsureVideoDir(); err != nil {
		return fmt.Errorf("serve: preparing video dir: %w", err)
	}

	store, err := replaystore.Open(ctx, o.cfg.ReplayStoreDSN)
	if err != nil {
		return fmt.Errorf("serve: opening replay store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, log)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	coord, err := coordinator.New(runCtx, coordinator.Config{
		BrowserWSURL:  o.cfg.BrowserWSURL,
		VideoEnabled:  o.cfg.VideoEnabled,
		VideoDir:      o.cfg.VideoDir,
		DrainInterval: o.cfg.DrainInterval,
	}, store, m, dialPage(o.cfg.BrowserWSURL), log)
	if err != nil {
		return fmt.Errorf("serve: starting coordinator: %w", err)
	}
	go coord.RunDrainLoop(runCtx)

	sessions := singleSession{coord}
	router := httpapi.NewRouter(o.cfg, sessions, store, reg, log)
	httpSrv := &http.Server{Addr: o.cfg.ListenAddr, Handler: router}

	serveErrs := make(chan error, 1)
	go func() {
		log.WithField("addr", o.cfg.ListenAddr).Info("replayguardd: management surface listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrs <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR2)

	select {
	case sig := <-sigCh:
		deadline := shutdownNormalTimeout
		if sig == syscall.SIGUSR2 {
			deadline = shutdownPanicTimeout
		}
		log.WithField("signal", sig.String()).WithField("deadline", deadline).Info("replayguardd: shutting down")
		return shutdown(cancelRun, coord, httpSrv, deadline, log)
	case err := <-serveErrs:
		cancelRun()
		return fmt.Errorf("serve: management surface: %w", err)
	case <-ctx.Done():
		return shutdown(cancelRun, coord, httpSrv, shutdownNormalTimeout, log)
	}
}

// shutdown runs the coordinator's synchronous close and the HTTP server's
// graceful drain within deadline, exiting the process non-zero if either
// fails to finish in time (spec: "10s normal / 5s on unhandled exception").
func shutdown(cancelRun context.CancelFunc, coord *coordinator.Coordinator, httpSrv *http.Server, deadline time.Duration, log *logrus.Entry) error {
	cancelRun()

	done := make(chan struct{})
	go func() {
		coord.Shutdown()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	select {
	case <-done:
	case <-ctx.Done():
		log.Error("replayguardd: coordinator shutdown exceeded deadline, exiting")
		os.Exit(1)
	}

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("replayguardd: management surface shutdown exceeded deadline")
		os.Exit(1)
	}
	return nil
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.JSONFormatter{})
	return logrus.NewEntry(l)
}

// dialPage returns the per-page CDP dialer threaded into transport.Session:
// Chrome exposes each target's own debugger endpoint at
// ws://<host:port>/devtools/page/<targetID>, so a page socket is just the
// browser-wide URL with its path replaced (transport.ForceIP resolves the
// host the same way the browser-wide dial already does).
func dialPage(browserWSURL string) func(context.Context, string) (transport.WireConn, error) {
	return func(ctx context.Context, targetID string) (transport.WireConn, error) {
		pageURL, err := pageDebuggerURL(browserWSURL, targetID)
		if err != nil {
			return nil, err
		}
		return transport.DialContext(ctx, transport.ForceIP(pageURL))
	}
}

func pageDebuggerURL(browserWSURL, targetID string) (string, error) {
	u, err := url.Parse(browserWSURL)
	if err != nil {
		return "", fmt.Errorf("dialPage: parsing browser ws url: %w", err)
	}
	u.Path = "/devtools/page/" + strings.TrimPrefix(targetID, "/")
	return u.String(), nil
}

// singleSession adapts one Coordinator to httpapi.SessionLookup until
// replayguardd grows multi-browser fan-out; the interface already models
// the general case so that addition won't touch internal/httpapi.
type singleSession struct {
	coord *coordinator.Coordinator
}

func (s singleSession) Sessions() []httpapi.BeaconTarget {
	return []httpapi.BeaconTarget{s.coord}
}
