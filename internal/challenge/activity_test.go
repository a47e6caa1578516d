package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/humanizer"
)

type noopSender struct{}

func (noopSender) Send(ctx context.Context, method string, params map[string]interface{}) error {
	return nil
}

type alwaysSolvedProbe struct{}

func (alwaysSolvedProbe) IsSolved(ctx context.Context, targetID string) (bool, int, error) {
	return true, 64, nil
}
func (alwaysSolvedProbe) WidgetError(ctx context.Context, targetID string) (bool, bool, error) {
	return false, false, nil
}

func newTestSolver(sink EventSink) (*Solver, *Detector) {
	d := NewDetector(sink, &fakeClock{t: 0})
	h := humanizer.New(noopSender{}, logrus.NewEntry(logrus.New()))
	return NewSolver(d, h, nil), d
}

func TestActivityLoopResolvesWhenSolved(t *testing.T) {
	sink := &recordingSink{}
	s, d := newTestSolver(sink)
	ad := NewActiveDetection(Info{Type: TypeNonInteractive}, "sess", "tgt-1", 0)
	d.set("tgt-1", ad)

	done := make(chan struct{})
	go func() {
		s.ActivityLoop(context.Background(), ad, alwaysSolvedProbe{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("activity loop did not terminate after widget solved")
	}

	if len(sink.solved) != 1 {
		t.Fatalf("expected exactly one solved event, got %d", len(sink.solved))
	}
}

func TestActivityLoopSecondStartIsNoop(t *testing.T) {
	sink := &recordingSink{}
	s, _ := newTestSolver(sink)
	ad := NewActiveDetection(Info{Type: TypeInvisible}, "sess", "tgt-2", 0)

	if !ad.startActivityLoop() {
		t.Fatalf("expected first start to succeed")
	}

	done := make(chan struct{})
	go func() {
		// Already marked started above, so this call must return immediately.
		s.ActivityLoop(context.Background(), ad, alwaysSolvedProbe{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected second ActivityLoop start to be a no-op and return immediately")
	}
}

func TestActivityLoopRespectsAbort(t *testing.T) {
	sink := &recordingSink{}
	s, d := newTestSolver(sink)
	ad := NewActiveDetection(Info{Type: TypeInvisible}, "sess", "tgt-3", 0)
	d.set("tgt-3", ad)
	ad.abort()

	done := make(chan struct{})
	go func() {
		s.ActivityLoop(context.Background(), ad, alwaysSolvedProbe{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected aborted detection to return immediately")
	}
	if len(sink.solved) != 0 {
		t.Fatalf("expected no solved event once already aborted")
	}
}
