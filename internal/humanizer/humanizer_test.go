package humanizer

import (
	"context"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
)

type nopSender struct{}

func (nopSender) Send(ctx context.Context, method string, params map[string]interface{}) error {
	return nil
}

type recordingSender struct {
	methods []string
}

func (r *recordingSender) Send(ctx context.Context, method string, params map[string]interface{}) error {
	r.methods = append(r.methods, method)
	return nil
}

func (r *recordingSender) count(method string) int {
	n := 0
	for _, m := range r.methods {
		if m == method {
			n++
		}
	}
	return n
}

func newTestHumanizer() *Humanizer {
	log := logrus.NewEntry(logrus.New())
	return New(nopSender{}, log)
}

// TestGeneratePathEndsExactlyOnTarget covers spec invariant 6: generatePath
// always has last == b exactly and len in [2, 150].
func TestGeneratePathEndsExactlyOnTarget(t *testing.T) {
	h := newTestHumanizer()
	start := Point{X: 0, Y: 0}
	end := Point{X: 1000, Y: 0}

	path := h.GeneratePath(start, end, 1)

	if len(path) < 2 || len(path) > 150 {
		t.Fatalf("path length %d out of [2, 150]", len(path))
	}
	last := path[len(path)-1]
	if last != end {
		t.Fatalf("last point %+v != target %+v", last, end)
	}
}

// TestGeneratePathLengthMatchesScenarioS6 checks the expected point count
// band from spec scenario S6: round(sqrt(sqrt(1000))*20) in [100, 120].
func TestGeneratePathLengthMatchesScenarioS6(t *testing.T) {
	h := newTestHumanizer()
	path := h.GeneratePath(Point{0, 0}, Point{1000, 0}, 1)

	expected := int(math.Round(math.Pow(1000, 0.25) * 20))
	if expected < 100 || expected > 120 {
		t.Fatalf("test setup invalid, expected %d not in [100,120]", expected)
	}
	if len(path) < 100 || len(path) > 120 {
		t.Fatalf("path length %d not in expected band [100,120]", len(path))
	}
}

func TestGeneratePathZeroDistance(t *testing.T) {
	h := newTestHumanizer()
	p := Point{X: 5, Y: 5}
	path := h.GeneratePath(p, p, 1)
	if len(path) != 2 {
		t.Fatalf("expected degenerate 2-point path, got %d", len(path))
	}
	if path[1] != p {
		t.Fatalf("last point must equal target exactly")
	}
}

func TestTabSpaceFallbackStopsOnSolved(t *testing.T) {
	h := newTestHumanizer()
	calls := 0
	solved := h.TabSpaceFallback(context.Background(), 5, "", func(context.Context) bool {
		calls++
		return calls == 2
	})
	if !solved {
		t.Fatalf("expected solved=true")
	}
	if calls != 2 {
		t.Fatalf("expected isSolved to be probed exactly twice, got %d", calls)
	}
}

func TestTabSpaceFallbackRefocusesResetElementEachAttempt(t *testing.T) {
	sender := &recordingSender{}
	log := logrus.NewEntry(logrus.New())
	h := New(sender, log)

	calls := 0
	solved := h.TabSpaceFallback(context.Background(), 3, "document.getElementById('x').focus()", func(context.Context) bool {
		calls++
		return calls == 3
	})
	if !solved {
		t.Fatalf("expected solved=true")
	}
	if got := sender.count("Runtime.evaluate"); got != 3 {
		t.Fatalf("expected the focus-reset script to run once per attempt (3), got %d", got)
	}
}

func TestTabSpaceFallbackSkipsFocusResetWhenExprEmpty(t *testing.T) {
	sender := &recordingSender{}
	log := logrus.NewEntry(logrus.New())
	h := New(sender, log)

	h.TabSpaceFallback(context.Background(), 2, "", func(context.Context) bool { return false })

	if got := sender.count("Runtime.evaluate"); got != 0 {
		t.Fatalf("expected no Runtime.evaluate calls with an empty focusResetExpr, got %d", got)
	}
}

func TestTabSpaceFallbackRespectsMaxTabs(t *testing.T) {
	h := newTestHumanizer()
	calls := 0
	solved := h.TabSpaceFallback(context.Background(), 3, "", func(context.Context) bool {
		calls++
		return false
	})
	if solved {
		t.Fatalf("expected solved=false")
	}
	if calls != 3 {
		t.Fatalf("expected at most maxTabs=3 probes, got %d", calls)
	}
}
