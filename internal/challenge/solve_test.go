package challenge

import (
	"context"
	"testing"
)

type fakeFinder struct {
	target ClickTarget
	err    error
}

func (f fakeFinder) FindClickTarget(ctx context.Context, targetID string, aggressive bool) (ClickTarget, error) {
	return f.target, f.err
}

func TestSolveByClickingResolvesWhenAlreadySolved(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	h := newTestHumanizerForChallenge()
	s := NewSolver(d, h, fakeFinder{})
	ad := NewActiveDetection(Info{Type: TypeInterstitial}, "sess", "tgt-1", 0)
	d.set("tgt-1", ad)

	s.SolveByClicking(context.Background(), ad, func(context.Context) bool { return true }, nil)

	if len(sink.solved) != 1 {
		t.Fatalf("expected solved event when already solved, got %d", len(sink.solved))
	}
}

func TestSolveByClickingFallsBackToTabSpace(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	h := newTestHumanizerForChallenge()
	s := NewSolver(d, h, fakeFinder{target: ClickTarget{Method: "none"}})
	ad := NewActiveDetection(Info{Type: TypeInterstitial}, "sess", "tgt-2", 0)
	d.set("tgt-2", ad)

	tabSpaceCalled := false
	s.SolveByClicking(context.Background(), ad, func(context.Context) bool { return false }, func(context.Context) bool {
		tabSpaceCalled = true
		return true
	})

	if !tabSpaceCalled {
		t.Fatalf("expected tab-space fallback to be invoked when no click target is found")
	}
	if len(sink.solved) != 1 {
		t.Fatalf("expected solved event via tab-space fallback, got %d", len(sink.solved))
	}
}

func TestSolveByClickingPerformsClickWhenTargetFound(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	h := newTestHumanizerForChallenge()
	s := NewSolver(d, h, fakeFinder{target: ClickTarget{X: 100, Y: 100, Method: "iframe_src"}})
	ad := NewActiveDetection(Info{Type: TypeInterstitial}, "sess", "tgt-3", 0)
	d.set("tgt-3", ad)

	s.SolveByClicking(context.Background(), ad, func(context.Context) bool { return false }, nil)

	if len(ad.Tracker.Clicks) != 1 {
		t.Fatalf("expected one recorded click, got %d", len(ad.Tracker.Clicks))
	}
	foundProgress := false
	for _, p := range sink.progress {
		if p.State == ProgressClicked {
			foundProgress = true
		}
	}
	if !foundProgress {
		t.Fatalf("expected a clicked progress event")
	}
}
