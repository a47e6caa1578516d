package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/challenge"
	"github.com/browserless-labs/replayguard/internal/humanizer"
	"github.com/browserless-labs/replayguard/internal/metrics"
	"github.com/browserless-labs/replayguard/internal/registry"
	"github.com/browserless-labs/replayguard/internal/replaystore"
	"github.com/browserless-labs/replayguard/internal/transport"
)

// fakeConn is an in-memory transport.WireConn, mirroring the fake used in
// internal/transport's own tests: every write is captured and an empty
// {} result is auto-replied so Send calls resolve without a real browser.
type fakeConn struct {
	mu      sync.Mutex
	written []*cdproto.Message
	toRead  chan *cdproto.Message
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		toRead: make(chan *cdproto.Message, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read() (*cdproto.Message, error) {
	select {
	case msg, ok := <-f.toRead:
		if !ok {
			return nil, transport.ErrSessionClosed
		}
		return msg, nil
	case <-f.closed:
		return nil, transport.ErrSessionClosed
	}
}

func (f *fakeConn) Write(msg *cdproto.Message) error {
	f.mu.Lock()
	f.written = append(f.written, msg)
	f.mu.Unlock()
	select {
	case f.toRead <- &cdproto.Message{ID: msg.ID, Result: json.RawMessage(`{}`)}:
	case <-f.closed:
		return transport.ErrSessionClosed
	}
	return nil
}

func (f *fakeConn) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeConn) sentMethods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.written))
	for i, m := range f.written {
		out[i] = string(m.Method)
	}
	return out
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func failingDialPage(ctx context.Context, targetID string) (transport.WireConn, error) {
	return nil, context.DeadlineExceeded
}

// newTestCoordinator builds a Coordinator wired to a fake browser socket,
// bypassing New()'s real WebSocket dial via transport.NewSessionFromConn.
func newTestCoordinator(t *testing.T) (*Coordinator, *fakeConn) {
	t.Helper()
	store, err := replaystore.Open(context.Background(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("replaystore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	conn := newFakeConn()
	c := newTestCoordinatorWithConn(t, conn, store)
	return c, conn
}

// newTestCoordinatorWithConn builds a Coordinator around a caller-supplied
// transport.WireConn and replaystore.Store, for tests that need control
// over per-session wire replies (e.g. a multi-tab drain scenario).
func newTestCoordinatorWithConn(t *testing.T, conn transport.WireConn, store *replaystore.Store) *Coordinator {
	t.Helper()
	c := &Coordinator{
		cfg:        Config{SessionID: "sess-1", DrainInterval: 500 * time.Millisecond},
		log:        testLog(),
		registry:   registry.New(),
		store:      store,
		metrics:    metrics.New(prometheus.NewRegistry(), testLog()),
		humanizers: make(map[string]*humanizer.Humanizer),
		solvers:    make(map[string]*challenge.Solver),
		replayMeta: make(map[string]replayMeta),
		startedAt:  time.Now(),
	}
	c.detector = challenge.NewDetector(c, nil)

	c.transport = transport.NewSessionFromConn(context.Background(), conn, c.handleEvent, failingDialPage, c.log)
	t.Cleanup(func() { c.transport.Close() })

	return c
}

func attachedToTargetParams(targetID, sessionID, typ, url string, waiting bool) json.RawMessage {
	b, _ := json.Marshal(attachedToTargetWire{
		SessionID: sessionID,
		TargetInfo: targetInfoWire{
			TargetID: targetID, Type: typ, URL: url,
		},
		WaitingForDebugger: waiting,
	})
	return b
}

func TestOnAttachedToTargetPageRegistersAndInjects(t *testing.T) {
	c, conn := newTestCoordinator(t)

	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	if _, ok := c.registry.ByTargetID("t1"); !ok {
		t.Fatalf("expected target t1 to be registered")
	}
	c.mu.Lock()
	_, hasHumanizer := c.humanizers["s1"]
	_, hasSolver := c.solvers["s1"]
	c.mu.Unlock()
	if !hasHumanizer || !hasSolver {
		t.Fatalf("expected humanizer and solver to be provisioned for the new page")
	}

	methods := conn.sentMethods()
	wantAny := map[string]bool{
		"Page.enable": false, "Runtime.addBinding": false,
		"Target.setAutoAttach": false, "Runtime.evaluate": false,
	}
	for _, m := range methods {
		if _, ok := wantAny[m]; ok {
			wantAny[m] = true
		}
	}
	for m, seen := range wantAny {
		if !seen {
			t.Errorf("expected %s to have been sent during attach, methods=%v", m, methods)
		}
	}
}

func TestOnTargetDestroyedFinalizesAndRemoves(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	raw, _ := json.Marshal(targetDestroyedWire{TargetID: "t1"})
	c.onTargetDestroyed("", raw)

	if _, ok := c.registry.ByTargetID("t1"); ok {
		t.Fatalf("expected target t1 to be removed after destroy")
	}
}

func TestOnBindingCalledSolvedRoutesToDetector(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	raw, _ := json.Marshal(struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}{Name: "__turnstileSolvedBinding", Payload: "tok"})

	// Seed an ActiveDetection as the navigation poll would have.
	c.detector.DetectAndSolve(context.Background(), fakeAlwaysManagedEvaluator{}, "t1", "s1", false, func(*challenge.ActiveDetection) {})

	c.onBindingCalled("s1", raw)

	if _, ok := c.detector.Lookup("t1"); ok {
		t.Fatalf("expected the detection to have resolved and been removed")
	}
}

type fakeAlwaysManagedEvaluator struct{}

func (fakeAlwaysManagedEvaluator) Evaluate(ctx context.Context, targetID, script string) (challenge.DetectionReport, error) {
	return challenge.DetectionReport{Detected: true, CType: "managed"}, nil
}

func TestShutdownIsIdempotent(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	c.Shutdown()
	c.Shutdown()

	if _, ok := c.registry.ByTargetID("t1"); ok {
		t.Fatalf("expected all targets removed after shutdown")
	}
}

func TestSnapshotReflectsRegistrySize(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].TabsOpen != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
