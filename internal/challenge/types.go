// Package challenge implements the Challenge Solver from spec §4.6: the
// five concurrent detection paths, the three solve pipelines sharing a
// common click pipeline, the click-target finder cascade, the activity
// loop, and the four-event emission contract (detected/progress/solved/
// failed), each firing exactly once per ActiveDetection.
package challenge

import "sync"

// Type is the closed challenge-type taxonomy from spec §3. This is the
// newer of the two taxonomies found across the source material (spec §9's
// third open question); the older interstitial|embedded|invisible|managed|
// block set is not used, its embedded/widget aliases mapping to Turnstile.
type Type string

const (
	TypeManaged        Type = "managed"
	TypeNonInteractive Type = "non_interactive"
	TypeInvisible      Type = "invisible"
	TypeInterstitial   Type = "interstitial"
	TypeTurnstile      Type = "turnstile"
	TypeBlock          Type = "block"
)

// Info describes one detected challenge instance, carried on the
// ActiveDetection and echoed in the detected event.
type Info struct {
	Type            Type
	URL             string
	IframeURL       string
	CRay            string
	DetectionMethod string
}

// DetectionTracker accumulates the summary attached to solved/failed
// events: every widget-find method attempted, every click coordinate,
// every presence phase, every activity poll, every iframe state observed,
// and an error count. Spec §3: "embedded DetectionTracker that accumulates
// a summary."
type DetectionTracker struct {
	mu             sync.Mutex
	WidgetFinds    []string
	Clicks         []Point
	PresencePhases []string
	ActivityPolls  int
	IframeStates   []string
	Errors         int
}

// Point is an (x, y) screen coordinate, shared with the humanizer package's
// path-generation output.
type Point struct {
	X, Y float64
}

func (t *DetectionTracker) recordWidgetFind(method string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WidgetFinds = append(t.WidgetFinds, method)
}

func (t *DetectionTracker) recordClick(p Point) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Clicks = append(t.Clicks, p)
}

func (t *DetectionTracker) recordPresencePhase(phase string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.PresencePhases = append(t.PresencePhases, phase)
}

func (t *DetectionTracker) recordActivityPoll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ActivityPolls++
}

func (t *DetectionTracker) recordIframeState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.IframeStates = append(t.IframeStates, state)
}

func (t *DetectionTracker) recordError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Errors++
}

// Summary is the read-only snapshot attached to solved/failed events.
type Summary struct {
	WidgetFinds   []string `json:"widgetFinds"`
	ClickCount    int      `json:"clickCount"`
	PresenceCount int      `json:"presenceCount"`
	ActivityPolls int      `json:"activityPolls"`
	IframeStates  []string `json:"iframeStates"`
	Errors        int      `json:"errors"`
}

func (t *DetectionTracker) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Summary{
		WidgetFinds:   append([]string(nil), t.WidgetFinds...),
		ClickCount:    len(t.Clicks),
		PresenceCount: len(t.PresencePhases),
		ActivityPolls: t.ActivityPolls,
		IframeStates:  append([]string(nil), t.IframeStates...),
		Errors:        t.Errors,
	}
}

// ActiveDetection is one in-progress (or just-resolved) challenge on a
// page, per spec §3. aborted is a one-way latch: once true, a detection
// may still be looked up for result correlation but must never emit
// another event.
type ActiveDetection struct {
	mu sync.Mutex

	Info Info

	PageSessionID string
	TargetID      string

	IframeSessionID string
	IframeTargetID  string

	StartedAtUnixMillis int64
	Attempts            int

	aborted              bool
	activityLoopStarted  bool
	detectedEmitted      bool
	resolvedEmitted      bool

	Tracker DetectionTracker
}

// NewActiveDetection constructs a fresh, not-yet-emitted detection.
func NewActiveDetection(info Info, pageSessionID, targetID string, startedAtUnixMillis int64) *ActiveDetection {
	return &ActiveDetection{
		Info:                info,
		PageSessionID:       pageSessionID,
		TargetID:            targetID,
		StartedAtUnixMillis: startedAtUnixMillis,
	}
}

// Aborted reports whether the one-way latch has already tripped.
func (d *ActiveDetection) Aborted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.aborted
}

// abort trips the one-way latch; returns false if it was already tripped,
// so callers can tell whether they are the one that closed it.
func (d *ActiveDetection) abort() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborted {
		return false
	}
	d.aborted = true
	return true
}

func (d *ActiveDetection) markDetectedEmitted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.detectedEmitted {
		return false
	}
	d.detectedEmitted = true
	return true
}

// markResolvedEmitted enforces invariant 1 (spec §8): at most one
// solved|failed per ActiveDetection.
func (d *ActiveDetection) markResolvedEmitted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.resolvedEmitted {
		return false
	}
	d.resolvedEmitted = true
	return true
}

func (d *ActiveDetection) startActivityLoop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activityLoopStarted {
		return false
	}
	d.activityLoopStarted = true
	return true
}

func (d *ActiveDetection) incrementAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Attempts++
	return d.Attempts
}
