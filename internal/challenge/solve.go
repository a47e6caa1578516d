package challenge

import (
	"context"
	"math/rand"
	"time"

	"github.com/browserless-labs/replayguard/internal/humanizer"
)

// Solver runs the three solve pipelines (spec §4.6.2), sharing the common
// performClick pipeline.
type Solver struct {
	detector *Detector
	humanize *humanizer.Humanizer
	finder   ClickTargetFinder
	rng      *rand.Rand
}

// NewSolver builds a Solver bound to one page's humanizer and click-target
// finder.
func NewSolver(detector *Detector, h *humanizer.Humanizer, finder ClickTargetFinder) *Solver {
	return &Solver{
		detector: detector,
		humanize: h,
		finder:   finder,
		// #nosec G404 -- timing jitter only, not security sensitive.
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Solver) jitterDuration(minMs, maxMs int) time.Duration {
	return time.Duration(minMs+s.rng.Intn(maxMs-minMs+1)) * time.Millisecond
}

// SolveByClicking implements the interstitial/managed pipeline (spec
// §4.6.2). isAlreadySolved and isDeadlineExceeded let the caller supply
// page-specific predicates without this package depending on a transport.
func (s *Solver) SolveByClicking(ctx context.Context, ad *ActiveDetection, isAlreadySolved func(context.Context) bool, tabSpaceReset func(context.Context) bool) {
	ad.Tracker.recordPresencePhase("presence_start")
	s.detector.emitProgress(ad, ProgressWidgetFound, nil)

	presenceDur := s.jitterDuration(300, 1000)
	if ad.Info.Type == TypeManaged {
		presenceDur = s.jitterDuration(500, 1500)
	}
	s.humanize.SimulateHumanPresence(ctx, 1280, 720, presenceDur, humanizer.Point{X: 100, Y: 100})
	ad.Tracker.recordPresencePhase("presence_complete")
	s.detector.emitProgress(ad, ProgressPresenceComplete, nil)

	if isAlreadySolved != nil && isAlreadySolved(ctx) {
		s.detector.resolveSolved(ad, MethodAutoSolve, "", "", true)
		return
	}

	target, err := s.finder.FindClickTarget(ctx, ad.TargetID, true)
	if err != nil || !target.Found() {
		ad.Tracker.recordError()
		s.detector.emitProgress(ad, ProgressFindTargetFailed, nil)
		if tabSpaceReset != nil {
			ad.Tracker.recordPresencePhase("tab_space_fallback")
			s.detector.emitProgress(ad, ProgressTabSpaceFallback, nil)
			if tabSpaceReset(ctx) {
				s.detector.resolveSolved(ad, MethodAutoSolve, "", "", true)
			}
		}
		return
	}
	ad.Tracker.recordWidgetFind(target.Method)
	s.performClick(ctx, ad, target, nil, isAlreadySolved)
}

// SolveTurnstile implements the standalone-widget pipeline (spec §4.6.2):
// skips full presence, waits up to 5s for the iframe, and enforces a 30s
// deadline.
func (s *Solver) SolveTurnstile(ctx context.Context, ad *ActiveDetection, waitForIframe func(context.Context, time.Duration) bool, isAlreadySolved func(context.Context) bool) {
	const deadline = 30 * time.Second
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if waitForIframe != nil {
		ready := waitForIframe(ctx, 5*time.Second)
		s.detector.emitProgress(ad, ProgressIframeWaitComplete, map[string]any{"ready": ready})
		if !ready {
			s.detector.resolveFailed(ad, "iframe_wait_timeout")
			return
		}
	}

	target, err := s.finder.FindClickTarget(ctx, ad.TargetID, false)
	if err != nil || !target.Found() {
		s.detector.resolveFailed(ad, "find_target_failed")
		return
	}
	ad.Tracker.recordWidgetFind(target.Method)

	start := humanizer.Point{X: target.X - 80, Y: target.Y - 40}
	s.performClick(ctx, ad, target, &start, isAlreadySolved)
}

// SolveAutomatic implements the non_interactive/invisible pipeline (spec
// §4.6.2): presence only, relying on the activity loop to observe the
// solved token.
func (s *Solver) SolveAutomatic(ctx context.Context, ad *ActiveDetection) {
	ad.Tracker.recordPresencePhase("presence_start")
	dur := s.jitterDuration(2000, 4000)
	s.humanize.SimulateHumanPresence(ctx, 1280, 720, dur, humanizer.Point{X: 100, Y: 100})
	ad.Tracker.recordPresencePhase("presence_complete")
	s.detector.emitProgress(ad, ProgressPresenceComplete, nil)
}

// performClick is the shared pipeline from spec §4.6.2: approach, gate,
// click, dwell.
func (s *Solver) performClick(ctx context.Context, ad *ActiveDetection, target ClickTarget, startFrom *humanizer.Point, isAlreadySolved func(context.Context) bool) {
	final := s.humanize.ApproachCoordinates(ctx, target.X, target.Y, startFrom)
	ad.Tracker.recordClick(Point{X: final.X, Y: final.Y})
	s.detector.emitProgress(ad, ProgressApproachComplete, map[string]any{
		"x": roundCoord(final.X), "y": roundCoord(final.Y),
	})

	if ad.Aborted() || ctx.Err() != nil || (isAlreadySolved != nil && isAlreadySolved(ctx)) {
		s.detector.resolveSolved(ad, MethodAutoSolve, "", "", true)
		return
	}

	if err := s.humanize.CommitClick(ctx, final.X, final.Y); err != nil {
		ad.Tracker.recordError()
		return
	}
	s.detector.emitProgress(ad, ProgressClicked, map[string]any{
		"x": roundCoord(final.X), "y": roundCoord(final.Y),
	})

	// Post-click dwell; failures here are ignored, the page may navigate
	// after solve (spec §4.6.2 step 6).
	s.humanize.SimulateHumanPresence(ctx, 1280, 720, 400*time.Millisecond, final)
}

func roundCoord(v float64) float64 {
	return float64(int(v + 0.5))
}
