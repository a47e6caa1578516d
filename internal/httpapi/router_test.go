package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/config"
	"github.com/browserless-labs/replayguard/internal/metrics"
	"github.com/browserless-labs/replayguard/internal/replaystore"
)

type fakeSession struct {
	sessionID string
	handled   map[string]bool
}

func (f *fakeSession) SessionID() string { return f.sessionID }

func (f *fakeSession) HandleBeacon(targetID string, tokenLength int) bool {
	_, ok := f.handled[targetID]
	return ok
}

func (f *fakeSession) Snapshot() []metrics.SessionStats {
	return []metrics.SessionStats{{TabsOpen: len(f.handled)}}
}

type fakeLookup struct{ sessions []BeaconTarget }

func (f fakeLookup) Sessions() []BeaconTarget { return f.sessions }

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestStore(t *testing.T) *replaystore.Store {
	t.Helper()
	store, err := replaystore.Open(context.Background(), "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("replaystore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestHandleBeaconRejectsMissingTargetID(t *testing.T) {
	lookup := fakeLookup{}
	r := NewRouter(config.New(), lookup, newTestStore(t), prometheus.NewRegistry(), testLog())

	req := httptest.NewRequest(http.MethodPost, "/management/cf-solved", strings.NewReader(`{"s":"sess-1"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing target id, got %d", w.Code)
	}
}

func TestHandleBeaconBroadcastsWhenSessionIDMissing(t *testing.T) {
	owning := &fakeSession{sessionID: "sess-1", handled: map[string]bool{"tgt-7": true}}
	other := &fakeSession{sessionID: "sess-2", handled: map[string]bool{}}
	lookup := fakeLookup{sessions: []BeaconTarget{other, owning}}
	r := NewRouter(config.New(), lookup, newTestStore(t), prometheus.NewRegistry(), testLog())

	req := httptest.NewRequest(http.MethodPost, "/management/cf-solved", strings.NewReader(`{"t":"tgt-7","l":392}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for a handled beacon, got %d", w.Code)
	}
}

func TestHandleBeaconStillRespondsNoContentForUnknownTarget(t *testing.T) {
	lookup := fakeLookup{sessions: []BeaconTarget{&fakeSession{sessionID: "sess-1", handled: map[string]bool{}}}}
	r := NewRouter(config.New(), lookup, newTestStore(t), prometheus.NewRegistry(), testLog())

	req := httptest.NewRequest(http.MethodPost, "/management/cf-solved", strings.NewReader(`{"t":"ghost"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 even for an unknown target (spec §7: never leak topology), got %d", w.Code)
	}
}

func TestDeleteVideoReturns404ForUnknownID(t *testing.T) {
	lookup := fakeLookup{}
	r := NewRouter(config.New(), lookup, newTestStore(t), prometheus.NewRegistry(), testLog())

	req := httptest.NewRequest(http.MethodDelete, "/video/ghost", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown video id, got %d", w.Code)
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.New(reg, testLog())
	lookup := fakeLookup{}
	r := NewRouter(config.New(), lookup, newTestStore(t), reg, testLog())

	req := httptest.NewRequest(http.MethodGet, "/management/metrics", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from the metrics endpoint, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "browserless_tabs_open") {
		t.Fatalf("expected the replayguard metric family in the exposition body")
	}
}
