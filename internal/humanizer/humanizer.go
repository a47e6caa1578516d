// Package humanizer simulates human mouse and keyboard behavior over CDP:
// Bezier-curve mouse trajectories, idle presence, and a Tab+Space keyboard
// fallback for widgets that resist programmatic clicks.
//
// No corpus repository implements Bezier-curve pointer humanization, so the
// curve math below is hand-written against the standard library's math
// package rather than grounded on a third-party geometry library — see
// DESIGN.md. The CDP dispatch calls (Input.dispatchMouseEvent,
// Input.dispatchKeyEvent) are built as plain param maps and sent through the
// Sender the coordinator wires in, following the internal/transport
// command-construction convention.
package humanizer

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/keys"
)

// Point is a single (x, y) viewport coordinate.
type Point struct {
	X float64
	Y float64
}

// Sender is the minimal CDP dispatch surface the humanizer needs. The
// coordinator satisfies it with an adapter that routes through
// *transport.Session under one page's cdp-session-id.
type Sender interface {
	Send(ctx context.Context, method string, params map[string]interface{}) error
}

// Humanizer drives mouse/keyboard simulation for one page session.
type Humanizer struct {
	send Sender
	log  *logrus.Entry
	rng  *rand.Rand
}

// New builds a Humanizer bound to a page's CDP session.
func New(send Sender, log *logrus.Entry) *Humanizer {
	return &Humanizer{
		send: send,
		log:  log,
		// #nosec G404 -- non-cryptographic jitter, not security sensitive.
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GeneratePath builds an ordered sequence of points tracing a humanlike arc
// from start to end, per spec §4.7.
func (h *Humanizer) GeneratePath(start, end Point, moveSpeed float64) []Point {
	if moveSpeed <= 0 {
		moveSpeed = 1
	}

	dx, dy := end.X-start.X, end.Y-start.Y
	distance := math.Hypot(dx, dy)
	if distance == 0 {
		return []Point{start, end}
	}

	ux, uy := dx/distance, dy/distance
	// perpendicular, one-sided (rotate 90 degrees)
	px, py := -uy, ux

	side := 1.0
	jitter := func() float64 { return 0.7 + h.rng.Float64()*0.3 }
	offset1 := distance * (0.05 + h.rng.Float64()*0.15) * jitter() * side
	offset2 := distance * (0.05 + h.rng.Float64()*0.15) * jitter() * side

	k1 := Point{
		X: start.X + dx/3 + px*offset1,
		Y: start.Y + dy/3 + py*offset1,
	}
	k2 := Point{
		X: start.X + 2*dx/3 + px*offset2,
		Y: start.Y + 2*dy/3 + py*offset2,
	}

	samples := int(math.Max(50, math.Floor(distance)))
	curve := make([]Point, samples)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(samples-1)
		curve[i] = cubicBernstein(start, k1, k2, end, t)
	}

	// Arc length is measured on the smooth curve, before the y noise below,
	// so the point count follows the path's geometric length.
	arcLength := pathLength(curve)

	// Gaussian distortion of y for ~50% of interior points.
	for i := 1; i < len(curve)-1; i++ {
		if h.rng.Float64() < 0.5 {
			curve[i].Y += h.rng.NormFloat64() * 1.0
		}
	}

	n := int(math.Round(math.Pow(arcLength, 0.25) * 20 / moveSpeed))
	if n < 2 {
		n = 2
	}
	if n > 150 {
		n = 150
	}

	out := resample(curve, n, easeOutQuad)
	out[len(out)-1] = end
	return out
}

func cubicBernstein(p0, p1, p2, p3 Point, t float64) Point {
	mt := 1 - t
	a := mt * mt * mt
	b := 3 * mt * mt * t
	c := 3 * mt * t * t
	d := t * t * t
	return Point{
		X: a*p0.X + b*p1.X + c*p2.X + d*p3.X,
		Y: a*p0.Y + b*p1.Y + c*p2.Y + d*p3.Y,
	}
}

func pathLength(pts []Point) float64 {
	var total float64
	for i := 1; i < len(pts); i++ {
		total += math.Hypot(pts[i].X-pts[i-1].X, pts[i].Y-pts[i-1].Y)
	}
	return total
}

func easeOutQuad(t float64) float64 {
	return t * (2 - t)
}

// resample picks n points along pts, spaced by applying ease to a uniform
// parameter in [0, 1].
func resample(pts []Point, n int, ease func(float64) float64) []Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]Point, n)
	last := float64(len(pts) - 1)
	for i := 0; i < n; i++ {
		t := 0.0
		if n > 1 {
			t = float64(i) / float64(n-1)
		}
		idx := int(math.Round(ease(t) * last))
		if idx < 0 {
			idx = 0
		}
		if idx > len(pts)-1 {
			idx = len(pts) - 1
		}
		out[i] = pts[idx]
	}
	return out
}

// SimulateHumanPresence idles the cursor around 1-3 viewport waypoints for
// roughly the given duration, occasionally scrolling or pressing a harmless
// key. Returns the final cursor position.
func (h *Humanizer) SimulateHumanPresence(ctx context.Context, viewportW, viewportH float64, duration time.Duration, cur Point) Point {
	waypoints := 1 + h.rng.Intn(3)
	perWaypoint := duration / time.Duration(waypoints)

	for i := 0; i < waypoints; i++ {
		if ctx.Err() != nil {
			return cur
		}
		target := Point{
			X: h.rng.Float64() * viewportW,
			Y: h.rng.Float64() * viewportH,
		}
		path := h.GeneratePath(cur, target, 1)
		h.walk(ctx, path, perWaypoint)
		cur = target

		if h.rng.Float64() < 0.30 {
			h.scroll(ctx)
		}
		if h.rng.Float64() < 0.40 {
			h.harmlessKeypress(ctx)
		}
	}
	return cur
}

func (h *Humanizer) walk(ctx context.Context, path []Point, total time.Duration) {
	if len(path) == 0 {
		return
	}
	step := total / time.Duration(len(path))
	for _, p := range path {
		if ctx.Err() != nil {
			return
		}
		if err := h.send.Send(ctx, "Input.dispatchMouseEvent", map[string]interface{}{
			"type": "mouseMoved",
			"x":    p.X,
			"y":    p.Y,
		}); err != nil {
			h.log.WithError(err).Debug("humanizer: mouseMoved failed")
		}
		sleep(ctx, step)
	}
}

func (h *Humanizer) scroll(ctx context.Context) {
	dy := float64(20 + h.rng.Intn(60))
	if err := h.send.Send(ctx, "Input.dispatchMouseWheelEvent", map[string]interface{}{
		"type":   "mouseWheel",
		"x":      200,
		"y":      200,
		"deltaX": 0,
		"deltaY": dy,
	}); err != nil {
		h.log.WithError(err).Debug("humanizer: scroll failed")
	}
}

func (h *Humanizer) harmlessKeypress(ctx context.Context) {
	k := keys.Tab
	if h.rng.Float64() < 0.5 {
		k = keys.Key{Code: "ArrowDown", Key: "ArrowDown", Native: 0x28, Windows: 0x28}
	}
	_ = h.send.Send(ctx, "Input.dispatchKeyEvent", k.DownParams())
	_ = h.send.Send(ctx, "Input.dispatchKeyEvent", k.UpParams())
}

// ApproachCoordinates performs the two-phase approach described in spec
// §4.7 and returns a jittered final target point.
func (h *Humanizer) ApproachCoordinates(ctx context.Context, x, y float64, startFrom *Point) Point {
	start := Point{X: x - 200, Y: y - 100}
	if startFrom != nil {
		start = *startFrom
	}

	// Phase 1: ballistic sweep to a point near the target, with a chance of
	// overshoot.
	lateral := (h.rng.Float64()*2 - 1) * 10
	short := 15 + h.rng.Float64()*10
	ang := math.Atan2(y-start.Y, x-start.X)
	near := Point{
		X: x - math.Cos(ang)*short + lateral,
		Y: y - math.Sin(ang)*short,
	}
	phase1 := h.GeneratePath(start, near, 1)
	h.walk(ctx, phase1, time.Duration(350+h.rng.Intn(300))*time.Millisecond)

	cur := near
	if h.rng.Float64() < 0.15 {
		over := Point{
			X: x + math.Cos(ang)*(8+h.rng.Float64()*7),
			Y: y + math.Sin(ang)*(8+h.rng.Float64()*7),
		}
		overshoot := h.GeneratePath(cur, over, 1.5)
		h.walk(ctx, overshoot, time.Duration(80+h.rng.Intn(70))*time.Millisecond)
		cur = over
		sleep(ctx, time.Duration(80+h.rng.Intn(70))*time.Millisecond)
	}

	// Phase 2: slower correction arc (moveSpeed 0.6) to the jittered target.
	// The ease-out resampling packs points closer together toward the end of
	// the arc; there is no separate slowdown over its final 25%.
	target := Point{X: x + h.rng.Float64()*6 - 3, Y: y + h.rng.Float64()*4 - 2}
	phase2 := h.GeneratePath(cur, target, 0.6)
	h.walk(ctx, phase2, time.Duration(150+h.rng.Intn(200))*time.Millisecond)

	return target
}

// CommitClick dispatches a mousePressed/mouseReleased pair with a human
// hold duration.
func (h *Humanizer) CommitClick(ctx context.Context, x, y float64) error {
	press := map[string]interface{}{
		"type":       "mousePressed",
		"x":          x,
		"y":          y,
		"button":     "left",
		"clickCount": 1,
	}
	if err := h.send.Send(ctx, "Input.dispatchMouseEvent", press); err != nil {
		return err
	}
	sleep(ctx, time.Duration(80+h.rng.Intn(70))*time.Millisecond)

	release := map[string]interface{}{
		"type":       "mouseReleased",
		"x":          x,
		"y":          y,
		"button":     "left",
		"clickCount": 1,
	}
	return h.send.Send(ctx, "Input.dispatchMouseEvent", release)
}

// TabSpaceFallback focuses an injected 1x1 reset button and cycles Tab+Space
// up to maxTabs times, checking isSolved between cycles. focusResetExpr is
// evaluated before the first attempt and re-evaluated before every
// subsequent one, since the preceding Tab can carry focus off the reset
// element and Space can activate whatever it landed on. An empty
// focusResetExpr skips focus management entirely, for callers with no
// reset element to cycle on.
func (h *Humanizer) TabSpaceFallback(ctx context.Context, maxTabs int, focusResetExpr string, isSolved func(context.Context) bool) bool {
	focusReset := func() {
		if focusResetExpr == "" {
			return
		}
		_ = h.send.Send(ctx, "Runtime.evaluate", map[string]interface{}{"expression": focusResetExpr})
	}

	for i := 0; i < maxTabs; i++ {
		if ctx.Err() != nil {
			return false
		}
		focusReset()
		h.dispatchKey(ctx, keys.Tab, 30+h.rng.Intn(30))
		sleep(ctx, time.Duration(80+h.rng.Intn(40))*time.Millisecond)
		h.dispatchKey(ctx, keys.Space, 30+h.rng.Intn(30))
		sleep(ctx, time.Duration(800+h.rng.Intn(400))*time.Millisecond)

		if isSolved(ctx) {
			return true
		}
	}
	return false
}

func (h *Humanizer) dispatchKey(ctx context.Context, k keys.Key, holdMillis int) {
	_ = h.send.Send(ctx, "Input.dispatchKeyEvent", k.DownParams())
	sleep(ctx, time.Duration(holdMillis)*time.Millisecond)
	_ = h.send.Send(ctx, "Input.dispatchKeyEvent", k.UpParams())
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
