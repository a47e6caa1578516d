package challenge

import (
	"context"
	"testing"
)

type recordingSink struct {
	detected []DetectedEvent
	progress []ProgressEvent
	solved   []SolvedEvent
	failed   []FailedEvent
}

func (s *recordingSink) Detected(e DetectedEvent) { s.detected = append(s.detected, e) }
func (s *recordingSink) Progress(e ProgressEvent) { s.progress = append(s.progress, e) }
func (s *recordingSink) Solved(e SolvedEvent)     { s.solved = append(s.solved, e) }
func (s *recordingSink) Failed(e FailedEvent)     { s.failed = append(s.failed, e) }

type fakeClock struct{ t int64 }

func (c *fakeClock) NowUnixMilli() int64 { return c.t }

type fakeEvaluator struct {
	report DetectionReport
	err    error
}

func (f fakeEvaluator) Evaluate(ctx context.Context, targetID string, script string) (DetectionReport, error) {
	return f.report, f.err
}

func TestDetectAndSolveEmitsDetectedOnce(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 1000})
	ev := fakeEvaluator{report: DetectionReport{Detected: true, CType: "managed", CRay: "abc"}}

	var entered *ActiveDetection
	err := d.DetectAndSolve(context.Background(), ev, "tgt-1", "sess-1", false, func(ad *ActiveDetection) { entered = ad })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.detected) != 1 {
		t.Fatalf("expected exactly one detected event, got %d", len(sink.detected))
	}
	if sink.detected[0].Type != TypeManaged || sink.detected[0].CRay != "abc" {
		t.Fatalf("unexpected detected event: %+v", sink.detected[0])
	}
	if entered == nil {
		t.Fatalf("expected enterSolve to be called")
	}

	// A second call against the same target-id must not create another
	// ActiveDetection (spec §3: at most one per target-id).
	if err := d.DetectAndSolve(context.Background(), ev, "tgt-1", "sess-1", false, func(*ActiveDetection) {}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.detected) != 1 {
		t.Fatalf("expected detected to still be 1, got %d", len(sink.detected))
	}
}

func TestDetectAndSolveBlockCreatesNoDetection(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	ev := fakeEvaluator{report: DetectionReport{Detected: true, Method: "cf_error_page"}}

	if err := d.DetectAndSolve(context.Background(), ev, "tgt-block", "sess", false, func(*ActiveDetection) {
		t.Fatalf("enterSolve must not be called for a block page")
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.detected) != 0 {
		t.Fatalf("expected no detected events for a block page")
	}
	if _, ok := d.Lookup("tgt-block"); ok {
		t.Fatalf("expected no ActiveDetection for a block page")
	}
}

func TestResolveSolvedFiresOnlyOnce(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 5000})
	ad := NewActiveDetection(Info{Type: TypeTurnstile}, "sess", "tgt-2", 1000)
	d.set("tgt-2", ad)

	d.resolveSolved(ad, MethodAutoSolve, SignalCallbackBinding, "tok", true)
	d.resolveSolved(ad, MethodAutoSolve, SignalCallbackBinding, "tok", true)

	if len(sink.solved) != 1 {
		t.Fatalf("expected exactly one solved event, got %d", len(sink.solved))
	}
	if sink.solved[0].DurationMs != 4000 {
		t.Fatalf("expected duration 4000ms, got %d", sink.solved[0].DurationMs)
	}
	if _, ok := d.Lookup("tgt-2"); ok {
		t.Fatalf("expected detection to be removed after resolution")
	}
}

func TestSolvedAndFailedAreMutuallyExclusive(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	ad := NewActiveDetection(Info{Type: TypeInterstitial}, "sess", "tgt-3", 0)
	d.set("tgt-3", ad)

	d.resolveSolved(ad, MethodAutoSolve, "", "", true)
	d.resolveFailed(ad, "timeout")

	if len(sink.solved) != 1 || len(sink.failed) != 0 {
		t.Fatalf("expected solved to win the race: solved=%d failed=%d", len(sink.solved), len(sink.failed))
	}
}

func TestOnBeaconSolvedDedupsStandaloneEmission(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})

	d.OnBeaconSolved("tgt-4", 392)
	d.OnBeaconSolved("tgt-4", 392)

	if len(sink.solved) != 1 {
		t.Fatalf("expected exactly one solved event from dedup, got %d", len(sink.solved))
	}
	if sink.solved[0].TokenLength != 392 {
		t.Fatalf("expected token length 392, got %d", sink.solved[0].TokenLength)
	}
}

func TestOnPageNavigatedSuppressedWhenDestinationIsChallenge(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 6000})
	ad := NewActiveDetection(Info{Type: TypeInterstitial}, "sess", "tgt-5", 0)
	d.set("tgt-5", ad)

	d.OnPageNavigated("tgt-5", true)
	if len(sink.solved) != 0 {
		t.Fatalf("expected navigation to a fresh challenge to suppress resolution")
	}

	d.OnPageNavigated("tgt-5", false)
	if len(sink.solved) != 1 || sink.solved[0].Method != MethodAutoNavigation {
		t.Fatalf("expected auto_navigation solved event, got %+v", sink.solved)
	}
}

func TestEmitUnresolvedDetectionsOnSessionClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDetector(sink, &fakeClock{t: 0})
	d.set("tgt-6", NewActiveDetection(Info{Type: TypeTurnstile}, "sess", "tgt-6", 0))
	d.set("tgt-7", NewActiveDetection(Info{Type: TypeManaged}, "sess", "tgt-7", 0))

	d.EmitUnresolvedDetections()

	if len(sink.solved) != 2 {
		t.Fatalf("expected both unresolved detections to be emitted solved, got %d", len(sink.solved))
	}
	for _, s := range sink.solved {
		if s.Signal != SignalSessionClose {
			t.Fatalf("expected session_close signal, got %q", s.Signal)
		}
	}
}
