package challenge

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can control elapsed/duration
// computations deterministically; production code passes RealClock.
type Clock interface {
	NowUnixMilli() int64
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) NowUnixMilli() int64 { return time.Now().UnixMilli() }

// Detector holds the registry of in-progress ActiveDetections (keyed by
// target-id, per spec §3's "at most one ActiveDetection per target-id at
// a time" invariant) and the cross-cutting dedup set that prevents a
// standalone binding/beacon emission from duplicating an already-resolved
// detection (spec §4.6.1 items 2 and 4).
type Detector struct {
	mu          sync.Mutex
	active      map[string]*ActiveDetection
	solvedDedup map[string]bool

	sink  EventSink
	clock Clock
}

// NewDetector constructs a Detector. sink receives all four event types;
// clock defaults to RealClock when nil.
func NewDetector(sink EventSink, clock Clock) *Detector {
	if clock == nil {
		clock = RealClock{}
	}
	return &Detector{
		active:      make(map[string]*ActiveDetection),
		solvedDedup: make(map[string]bool),
		sink:        sink,
		clock:       clock,
	}
}

func (d *Detector) get(targetID string) (*ActiveDetection, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ad, ok := d.active[targetID]
	return ad, ok
}

func (d *Detector) set(targetID string, ad *ActiveDetection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[targetID] = ad
}

func (d *Detector) delete(targetID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, targetID)
}

func (d *Detector) markDedup(targetID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.solvedDedup[targetID] {
		return false
	}
	d.solvedDedup[targetID] = true
	return true
}

func (d *Detector) emitDetected(ad *ActiveDetection, pollCount int) {
	if ad.Aborted() || !ad.markDetectedEmitted() {
		return
	}
	d.sink.Detected(DetectedEvent{
		Type:            ad.Info.Type,
		URL:             ad.Info.URL,
		IframeURL:       ad.Info.IframeURL,
		CRay:            ad.Info.CRay,
		DetectionMethod: ad.Info.DetectionMethod,
		PollCount:       pollCount,
		TargetID:        ad.TargetID,
	})
}

func (d *Detector) emitProgress(ad *ActiveDetection, state string, extras map[string]any) {
	if ad.Aborted() {
		return
	}
	d.sink.Progress(ProgressEvent{
		State:     state,
		ElapsedMs: d.clock.NowUnixMilli() - ad.StartedAtUnixMillis,
		Attempt:   ad.Attempts,
		TargetID:  ad.TargetID,
		Extras:    extras,
	})
}

// resolveSolved is the single path that may emit a SolvedEvent for an
// ActiveDetection. It trips the one-way abort latch first so a
// concurrent failed/solved race can only ever produce one emission
// (spec §8 invariant 1).
func (d *Detector) resolveSolved(ad *ActiveDetection, method, signal, token string, autoResolved bool) {
	if !ad.abort() {
		return
	}
	if !ad.markResolvedEmitted() {
		return
	}
	d.sink.Solved(SolvedEvent{
		Type:         ad.Info.Type,
		Method:       method,
		Token:        token,
		TokenLength:  len(token),
		DurationMs:   d.clock.NowUnixMilli() - ad.StartedAtUnixMillis,
		Attempts:     ad.Attempts,
		AutoResolved: autoResolved,
		Signal:       signal,
		TargetID:     ad.TargetID,
		Summary:      ad.Tracker.summary(),
	})
	d.delete(ad.TargetID)
}

func (d *Detector) resolveFailed(ad *ActiveDetection, reason string) {
	if !ad.abort() {
		return
	}
	if !ad.markResolvedEmitted() {
		return
	}
	d.sink.Failed(FailedEvent{
		Reason:     reason,
		Type:       ad.Info.Type,
		DurationMs: d.clock.NowUnixMilli() - ad.StartedAtUnixMillis,
		Attempts:   ad.Attempts,
		TargetID:   ad.TargetID,
		Summary:    ad.Tracker.summary(),
	})
	d.delete(ad.TargetID)
}

// DetectAndSolve is the navigation-poll path (spec §4.6.1 item 1). It
// evaluates the detection script exactly once per call -- never in a
// retry loop -- preserving the single-poll semantics called out by spec
// §9's first open question. Callers invoke it once on attach and once
// per navigation.
func (d *Detector) DetectAndSolve(ctx context.Context, ev Evaluator, targetID, pageSessionID string, iframePresent bool, enterSolve func(*ActiveDetection)) error {
	if _, exists := d.get(targetID); exists {
		return nil
	}

	script := detectionScript
	report, err := ev.Evaluate(ctx, targetID, script)
	if err != nil {
		return err
	}
	if !report.Detected {
		return nil
	}

	typ, ok := Classify(report, iframePresent)
	if !ok {
		return nil
	}
	if typ == TypeBlock {
		// spec §4.6.1 item 1 / scenario S4: block pages are never solved,
		// no ActiveDetection is created, no events are emitted.
		return nil
	}

	ad := NewActiveDetection(Info{
		Type:            typ,
		URL:             report.URL,
		IframeURL:       report.IframeURL,
		CRay:            report.CRay,
		DetectionMethod: report.Method,
	}, pageSessionID, targetID, d.clock.NowUnixMilli())
	d.set(targetID, ad)
	d.emitDetected(ad, 1)

	if enterSolve != nil {
		enterSolve(ad)
	}
	return nil
}

// OnAutoSolveBinding handles the in-page binding that wraps the widget's
// render() success callback (spec §4.6.1 item 2).
func (d *Detector) OnAutoSolveBinding(targetID, token string) {
	if ad, ok := d.get(targetID); ok {
		d.resolveSolved(ad, MethodAutoSolve, SignalCallbackBinding, token, true)
		return
	}
	if !d.markDedup(targetID) {
		return
	}
	now := d.clock.NowUnixMilli()
	ad := NewActiveDetection(Info{Type: TypeTurnstile, DetectionMethod: "callback_binding"}, "", targetID, now)
	d.emitDetected(ad, 0)
	d.resolveSolved(ad, MethodAutoSolve, SignalCallbackBinding, token, true)
}

// DetectTurnstileWidget is the runtime-poll fallback (spec §4.6.1 item 3):
// if the navigation poll found nothing, poll every 200ms up to 20
// iterations for widget presence.
func (d *Detector) DetectTurnstileWidget(ctx context.Context, probe WidgetProbe, targetID, pageSessionID string, sleep func(time.Duration)) {
	if _, exists := d.get(targetID); exists {
		return
	}
	const maxIterations = 20
	const interval = 200 * time.Millisecond

	for i := 0; i < maxIterations; i++ {
		if ctx.Err() != nil {
			return
		}
		present, solved, tokenLen, err := probe.ProbeWidget(ctx, targetID)
		if err != nil {
			// A transient CDP error must not abandon the remaining
			// iterations — an earlier version returned here and lost both
			// detected and solved events for the rest of the poll window.
			if sleep != nil {
				sleep(interval)
			}
			continue
		}
		if present {
			ad := NewActiveDetection(Info{Type: TypeTurnstile, DetectionMethod: "runtime_poll"}, pageSessionID, targetID, d.clock.NowUnixMilli())
			d.set(targetID, ad)
			d.emitDetected(ad, i+1)
			if solved {
				d.resolveSolved(ad, MethodAutoSolve, "runtime_poll", placeholderToken(tokenLen), true)
			}
			return
		}
		if sleep != nil {
			sleep(interval)
		}
	}
}

func placeholderToken(length int) string {
	if length <= 0 {
		return ""
	}
	b := make([]byte, length)
	for i := range b {
		b[i] = 'x'
	}
	return string(b)
}

// OnBeaconSolved handles the out-of-band sendBeacon delivery on page
// unload (spec §4.6.1 item 4, scenario S3).
func (d *Detector) OnBeaconSolved(targetID string, tokenLength int) {
	token := placeholderToken(tokenLength)
	if ad, ok := d.get(targetID); ok {
		d.resolveSolved(ad, MethodAutoSolve, SignalBeaconPush, token, true)
		return
	}
	if !d.markDedup(targetID) {
		return
	}
	ad := NewActiveDetection(Info{Type: TypeTurnstile, DetectionMethod: "beacon"}, "", targetID, d.clock.NowUnixMilli())
	d.emitDetected(ad, 0)
	d.resolveSolved(ad, MethodAutoSolve, SignalBeaconPush, token, true)
}

// OnIframeStateChange handles the iframe state-observer binding (spec
// §4.6.1 item 5). waitAndRecheck is called with the 500ms post-success
// wait already applied by the caller; it reports whether the challenge is
// gone or a token is present.
func (d *Detector) OnIframeStateChange(targetID, state string, maxAttempts int, waitAndRecheck func() (gone bool, token string), reenter func(*ActiveDetection)) {
	ad, ok := d.get(targetID)
	if !ok {
		return
	}
	ad.Tracker.recordIframeState(state)

	switch state {
	case ProgressIframeSuccess:
		d.emitProgress(ad, ProgressIframeSuccess, nil)
		gone, token := waitAndRecheck()
		if gone || token != "" {
			d.resolveSolved(ad, MethodStateChange, SignalIframeState, token, false)
		} else {
			d.emitProgress(ad, ProgressFalsePositive, nil)
		}
	case ProgressIframeFail, ProgressIframeExpired, ProgressIframeTimeout:
		d.emitProgress(ad, state, nil)
		attempts := ad.incrementAttempts()
		if attempts < maxAttempts {
			if reenter != nil {
				reenter(ad)
			}
		} else {
			d.resolveFailed(ad, state)
		}
	default:
		d.emitProgress(ad, state, nil)
	}
}

// OnPageNavigated is the navigation-completion special case (spec §4.6.1
// item 6, scenario S1): if a tracked page with an active interstitial or
// managed detection navigates away to a non-challenge destination, that
// navigation itself is the success signal.
func (d *Detector) OnPageNavigated(targetID string, destinationIsChallenge bool) {
	ad, ok := d.get(targetID)
	if !ok {
		return
	}
	if ad.Info.Type != TypeInterstitial && ad.Info.Type != TypeManaged {
		return
	}
	if destinationIsChallenge {
		// A fresh detection will run against the new challenge page;
		// suppress this one's resolution.
		return
	}
	d.resolveSolved(ad, MethodAutoNavigation, SignalPageNavigated, "", true)
}

// EmitUnresolvedDetections is the session-close fallback (spec §4.6.1 item
// 7): any ActiveDetection not already aborted is emitted as solved with
// signal session_close so downstream accounting is never left dangling.
func (d *Detector) EmitUnresolvedDetections() {
	d.mu.Lock()
	remaining := make([]*ActiveDetection, 0, len(d.active))
	for _, ad := range d.active {
		remaining = append(remaining, ad)
	}
	d.mu.Unlock()

	for _, ad := range remaining {
		d.resolveSolved(ad, MethodAutoSolve, SignalSessionClose, "", true)
	}
}

// Lookup returns the ActiveDetection tracked for targetID, if any -- used
// for result correlation even after aborted has tripped (spec §3).
func (d *Detector) Lookup(targetID string) (*ActiveDetection, bool) {
	return d.get(targetID)
}

const detectionScript = `(() => {
	const opt = window._cf_chl_opt;
	if (opt && opt.cType) return {detected:true, cType:opt.cType, cRay:opt.cRay||""};
	if (document.title && /just a moment|checking your browser/i.test(document.title)) {
		return {detected:true, method:"title_interstitial"};
	}
	if (document.querySelector('.cf-turnstile,[data-sitekey]')) {
		return {detected:true};
	}
	if (/cf-error-details|error code: 1020/i.test(document.body ? document.body.innerText : "")) {
		return {detected:true, method:"cf_error_page"};
	}
	return {detected:false};
})()`
