// Package coordinator implements the Session Coordinator: the attachment
// pipeline, the event drain loop and self-healing, the tab finalizer, the
// iframe event bridge, and shutdown sequencing. It composes
// internal/registry, internal/transport, internal/challenge,
// internal/humanizer, internal/metrics, internal/replaystore and
// internal/video into the single stateful object that owns one browser
// session, grounded on chromedp's context.go/browser.go (which play the
// same composing role for chromedp's fluent Action API), re-architected
// as an explicit state object whose methods own the state directly rather
// than threading it through a context.Context chain.
package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/challenge"
	"github.com/browserless-labs/replayguard/internal/humanizer"
	"github.com/browserless-labs/replayguard/internal/metrics"
	"github.com/browserless-labs/replayguard/internal/registry"
	"github.com/browserless-labs/replayguard/internal/replaystore"
	"github.com/browserless-labs/replayguard/internal/transport"
	"github.com/browserless-labs/replayguard/internal/video"
)

// FinalResult is the Tab Finalizer's cached output (spec §4.4 step 5).
type FinalResult struct {
	ReplayID       string
	Duration       time.Duration
	EventCount     int
	ReplayURL      string
	FrameCount     int
	EncodingStatus string
	VideoURL       string
}

// Config bundles the knobs a Coordinator needs beyond the browser
// endpoint, assembled by internal/config's functional options.
type Config struct {
	SessionID       string
	BrowserWSURL    string
	VideoEnabled    bool
	VideoDir        string
	DrainInterval   time.Duration
	OnTabFinalized  func(targetID string, result *FinalResult)
	MaxIframeStates int
}

// Coordinator owns one browser session's full pipeline.
type Coordinator struct {
	cfg Config
	log *logrus.Entry

	registry  *registry.Registry
	transport *transport.Session
	detector  *challenge.Detector
	store     *replaystore.Store
	metrics   *metrics.Metrics
	capture   *video.CaptureSession

	mu         sync.Mutex
	humanizers map[string]*humanizer.Humanizer // by cdp-session-id
	solvers    map[string]*challenge.Solver     // by cdp-session-id
	replayMeta map[string]replayMeta            // by target-id

	startedAt time.Time
	closeOnce sync.Once
	closed    bool
}

type replayMeta struct {
	replayID   string
	startedAt  time.Time
	url        string
	eventCount int
}

// New builds a Coordinator, opening the browser-wide CDP socket immediately.
// dialPage opens a per-page WebSocket for a given target-id, wired through
// to internal/transport.
func New(ctx context.Context, cfg Config, store *replaystore.Store, m *metrics.Metrics, dialPage func(context.Context, string) (transport.WireConn, error), log *logrus.Entry) (*Coordinator, error) {
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = 500 * time.Millisecond
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	c := &Coordinator{
		cfg:        cfg,
		log:        log.WithField("session_id", cfg.SessionID),
		registry:   registry.New(),
		store:      store,
		metrics:    m,
		humanizers: make(map[string]*humanizer.Humanizer),
		solvers:    make(map[string]*challenge.Solver),
		replayMeta: make(map[string]replayMeta),
		startedAt:  time.Now(),
	}
	c.detector = challenge.NewDetector(c, nil)

	if cfg.VideoEnabled {
		cap, err := video.New(cfg.VideoDir)
		if err != nil {
			return nil, err
		}
		c.capture = cap
	}

	sess, err := transport.NewSession(ctx, cfg.BrowserWSURL, c.handleEvent, dialPage, c.log)
	if err != nil {
		return nil, err
	}
	c.transport = sess

	if m != nil {
		m.RegisterSource(c)
	}

	return c, nil
}

// Snapshot implements metrics.SessionsSource. PendingCommands is always
// reported as 0: transport.Session exposes no count of pending commands.
func (c *Coordinator) Snapshot() []metrics.SessionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return []metrics.SessionStats{{
		WSConnections:   c.transport.OpenPageSocketCount(),
		PendingCommands: 0,
		TabsOpen:        c.registry.Count(),
		EstimatedBytes:  c.transport.EstimatedBytes(),
	}}
}

// handleEvent is the single CDP event dispatch point wired into
// transport.NewSession, fanning out by method name.
func (c *Coordinator) handleEvent(sessionID, method string, params json.RawMessage) {
	switch method {
	case "Target.attachedToTarget":
		c.onAttachedToTarget(sessionID, params)
	case "Target.targetCreated":
		c.onTargetCreated(sessionID, params)
	case "Target.targetInfoChanged":
		c.onTargetInfoChanged(sessionID, params)
	case "Target.targetDestroyed":
		c.onTargetDestroyed(sessionID, params)
	case "Runtime.bindingCalled":
		c.onBindingCalled(sessionID, params)
	case "Network.requestWillBeSent", "Network.responseReceived", "Runtime.consoleAPICalled":
		c.onIframeObservedEvent(sessionID, method, params)
	}
}
