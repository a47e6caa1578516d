package challenge

import (
	"context"
	"time"

	"github.com/browserless-labs/replayguard/internal/humanizer"
)

// ActivityLoop runs the per-ActiveDetection polling loop from spec §4.6.4:
// started once per detection, it runs concurrently with the solve pipeline
// until aborted, destroyed, or 90s elapse, whichever comes first. It must
// be called from its own goroutine; it blocks until termination.
func (s *Solver) ActivityLoop(ctx context.Context, ad *ActiveDetection, isSolved IsSolvedProbe) {
	if !ad.startActivityLoop() {
		return
	}

	const hardCeiling = 90 * time.Second
	ctx, cancel := context.WithTimeout(ctx, hardCeiling)
	defer cancel()

	for {
		if ad.Aborted() || ctx.Err() != nil {
			return
		}

		interval := time.Duration(3000+s.rng.Intn(4000)) * time.Millisecond
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if ad.Aborted() {
			return
		}

		solved, tokenLen, err := isSolved.IsSolved(ctx, ad.TargetID)
		if err != nil {
			// A failure to reach the page short-circuits the micro-presence
			// but continues polling (spec §4.6.4).
			ad.Tracker.recordError()
			continue
		}
		if solved {
			s.detector.resolveSolved(ad, MethodAutoSolve, "activity_loop", placeholderToken(tokenLen), true)
			return
		}

		ad.Tracker.recordActivityPoll()
		s.detector.emitProgress(ad, ProgressActivityPoll, nil)

		hasError, confirmedError, werr := isSolved.WidgetError(ctx, ad.TargetID)
		if werr == nil && hasError {
			// Widget errors are reported as progress but never break the
			// loop -- the widget may recover (spec §4.6.4).
			s.detector.emitProgress(ad, ProgressWidgetError, map[string]any{"confirmed": confirmedError})
		}

		microDur := time.Duration(500+s.rng.Intn(1000)) * time.Millisecond
		s.humanize.SimulateHumanPresence(ctx, 1280, 720, microDur, humanizer.Point{X: 150, Y: 150})
	}
}
