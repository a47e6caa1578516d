// Package registry holds the Session Coordinator's in-memory bookkeeping:
// the dual-indexed TargetState registry and iframe-to-parent links. The
// pending-command map lives in internal/transport. It is grounded on
// chromedp's target.go/browser.go (the browser keeps pages map[SessionID]
// *Target; here we generalize that single map into a dual-indexed registry
// per spec §3, since the spec requires lookups by both target-id and
// cdp-session-id).
package registry

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// TargetState is one tracked page target, per spec §3.
type TargetState struct {
	TargetID  string
	SessionID string

	StartedAt time.Time

	Injected bool

	// FinalizedResult caches the Tab Finalizer's one true result, nil until
	// finalize() has run.
	FinalizedResult interface{}

	// PerPageOpen and FailedReconnect are not set by any code in this
	// module: transport.Session tracks open per-page sockets and the
	// reconnect latch in its own maps.
	PerPageOpen bool

	FailedReconnect bool

	// ConsecutiveEmptyDrains counts empty drain polls in a row. A large
	// negative sentinel suppresses further self-heal probes for this page
	// load (see spec §4.3).
	ConsecutiveEmptyDrains int
}

// SelfHealSuppressed is the sentinel value ConsecutiveEmptyDrains is set to
// after a self-heal probe has run, to keep it from re-triggering.
const SelfHealSuppressed = -1 << 30

// SelfHealThreshold is the number of consecutive empty drains (spec §4.3,
// §8 boundary: "exactly 10, never earlier") that triggers a self-heal probe.
const SelfHealThreshold = 10

// IframeLink maps one iframe's identity to its parent page, per spec §3.
type IframeLink struct {
	IframeTargetID  string
	IframeSessionID string
	ParentSessionID string
}

// Registry is the dual-indexed TargetState store plus iframe links for one
// Session Coordinator. Never shared across sessions (spec §5).
type Registry struct {
	mu sync.Mutex

	byTargetID  map[string]*TargetState
	bySessionID map[string]*TargetState

	iframesBySessionID map[string]*IframeLink
	iframesByTargetID  map[string]*IframeLink
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		byTargetID:         make(map[string]*TargetState),
		bySessionID:        make(map[string]*TargetState),
		iframesBySessionID: make(map[string]*IframeLink),
		iframesByTargetID:  make(map[string]*IframeLink),
	}
}

// Add records a new TargetState under both indices atomically.
func (r *Registry) Add(ts *TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byTargetID[ts.TargetID] = ts
	r.bySessionID[ts.SessionID] = ts
}

// ByTargetID looks a target up by target-id.
func (r *Registry) ByTargetID(targetID string) (*TargetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.byTargetID[targetID]
	return ts, ok
}

// BySessionID looks a target up by cdp-session-id.
func (r *Registry) BySessionID(sessionID string) (*TargetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.bySessionID[sessionID]
	return ts, ok
}

// Remove atomically clears both indices for targetID and returns the
// removed state (so the caller can close its per-page WS), per spec §3's
// invariant that remove() must clear both indices together.
func (r *Registry) Remove(targetID string) (*TargetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.byTargetID[targetID]
	if !ok {
		return nil, false
	}
	delete(r.byTargetID, targetID)
	delete(r.bySessionID, ts.SessionID)
	return ts, true
}

// Mutate runs fn against the TargetState for targetID while holding the
// registry lock, so drain/finalize mutation stays atomic between
// suspension points (spec §5).
func (r *Registry) Mutate(targetID string, fn func(*TargetState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.byTargetID[targetID]
	if !ok {
		return false
	}
	fn(ts)
	return true
}

// Each calls fn for every tracked target, in an unspecified order. fn must
// not call back into the Registry.
func (r *Registry) Each(fn func(*TargetState)) {
	r.mu.Lock()
	snapshot := make([]*TargetState, 0, len(r.byTargetID))
	for _, ts := range r.byTargetID {
		snapshot = append(snapshot, ts)
	}
	r.mu.Unlock()
	for _, ts := range snapshot {
		fn(ts)
	}
}

// TargetIDs returns every tracked target-id in sorted order, used by the
// shutdown sequence (spec §5) to drain/finalize targets in a stable,
// log-correlatable order rather than Go's randomized map iteration.
func (r *Registry) TargetIDs() []string {
	r.mu.Lock()
	ids := maps.Keys(r.byTargetID)
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// Count returns the number of tracked targets.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byTargetID)
}

// LinkIframe records a parent/iframe relationship.
func (r *Registry) LinkIframe(link *IframeLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iframesBySessionID[link.IframeSessionID] = link
	r.iframesByTargetID[link.IframeTargetID] = link
}

// ParentOfIframeSession returns the parent page's cdp-session-id for an
// iframe cdp-session-id, used by the Iframe Event Bridge.
func (r *Registry) ParentOfIframeSession(iframeSessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link, ok := r.iframesBySessionID[iframeSessionID]
	if !ok {
		return "", false
	}
	return link.ParentSessionID, true
}

// HasIframeLinkedToParent reports whether any iframe is currently linked
// to parentSessionID, used by the turnstile solve pipeline's iframe-wait
// poll (spec §4.6.2).
func (r *Registry) HasIframeLinkedToParent(parentSessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, link := range r.iframesBySessionID {
		if link.ParentSessionID == parentSessionID {
			return true
		}
	}
	return false
}

// UnlinkIframesForParent removes every iframe link whose parent is
// parentSessionID, called when the parent page is finalized.
func (r *Registry) UnlinkIframesForParent(parentSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sid, link := range r.iframesBySessionID {
		if link.ParentSessionID == parentSessionID {
			delete(r.iframesBySessionID, sid)
			delete(r.iframesByTargetID, link.IframeTargetID)
		}
	}
}
