package coordinator

import (
	"testing"

	"github.com/browserless-labs/replayguard/internal/registry"
)

func TestFinalizeTargetReturnsCachedResult(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	cached := &FinalResult{ReplayID: "r1"}
	c.registry.Mutate("t1", func(ts *registry.TargetState) { ts.FinalizedResult = cached })

	called := 0
	c.cfg.OnTabFinalized = func(targetID string, result *FinalResult) { called++ }

	got := c.FinalizeTarget("t1")
	if got != cached {
		t.Fatalf("expected the cached result to be returned verbatim")
	}
	if called != 0 {
		t.Fatalf("a cached finalize must not re-invoke the completion callback, got %d calls", called)
	}
}

// TestFinalizeTargetDeclinesWhenStoreDeclines covers spec §4.4 step 4: an
// inactive tab (no events, no frames) causes the store to decline, and
// the finalizer returns nil rather than a result.
func TestFinalizeTargetDeclinesWhenStoreDeclines(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.onAttachedToTarget("", attachedToTargetParams("t1", "s1", "page", "https://example.com", false))

	called := 0
	c.cfg.OnTabFinalized = func(targetID string, result *FinalResult) { called++ }

	if r := c.FinalizeTarget("t1"); r != nil {
		t.Fatalf("expected nil when the store declines an inactive tab, got %+v", r)
	}
	if called != 0 {
		t.Fatalf("expected no completion callback on decline, got %d", called)
	}
}

func TestFinalizeTargetUnknownReturnsNil(t *testing.T) {
	c, _ := newTestCoordinator(t)
	if r := c.FinalizeTarget("ghost"); r != nil {
		t.Fatalf("expected nil for an untracked target, got %+v", r)
	}
}
