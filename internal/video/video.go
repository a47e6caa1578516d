// Package video implements the CaptureSession from spec §3/§4.4: a
// per-target screencast frame sink fed by Page.screencastFrame events,
// de-duplicating near-identical consecutive frames before they reach the
// (external, non-designed-here) HLS encoder.
//
// Frame de-duplication is grounded on chromedp's own go.mod dependency on
// github.com/orisano/pixelmatch (used upstream for screenshot-diffing
// tests); here it is repurposed to skip encoding a screencast frame that
// is pixel-identical (within tolerance) to the previous one for the same
// target, the same concern pixelmatch already serves elsewhere in the
// corpus.
package video

import (
	"bytes"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/orisano/pixelmatch"
)

// Threshold is the pixelmatch tolerance used to decide two frames are
// "the same" for de-dup purposes.
const Threshold = 0.1

// targetState is one target's screencast bookkeeping.
type targetState struct {
	mu         sync.Mutex
	dir        string
	frameCount int
	lastFrame  image.Image
	stopped    bool
}

// CaptureSession tracks screencast frames for every target in one Session
// Coordinator, per spec §3's CaptureSession fields (base directory,
// per-target frame counts, per-target final frame directories, stopped
// flag).
type CaptureSession struct {
	mu      sync.Mutex
	baseDir string
	targets map[string]*targetState
	stopped bool
}

// New creates a CaptureSession rooted at baseDir (created if absent).
func New(baseDir string) (*CaptureSession, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &CaptureSession{
		baseDir: baseDir,
		targets: make(map[string]*targetState),
	}, nil
}

// StartTarget begins tracking frames for targetID.
func (c *CaptureSession) StartTarget(targetID string) error {
	dir := filepath.Join(c.baseDir, targetID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[targetID] = &targetState{dir: dir}
	return nil
}

// PushFrame decodes a base64-less raw PNG frame (already decoded by the
// caller from Page.screencastFrame's base64 payload) and writes it to disk
// unless it's a near-duplicate of the previous frame for this target.
// Returns true if the frame was written.
func (c *CaptureSession) PushFrame(targetID string, pngBytes []byte) (bool, error) {
	c.mu.Lock()
	ts, ok := c.targets[targetID]
	stopped := c.stopped
	c.mu.Unlock()
	if !ok || stopped {
		return false, nil
	}

	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return false, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.stopped {
		return false, nil
	}

	if ts.lastFrame != nil && framesMatch(ts.lastFrame, img) {
		return false, nil
	}

	name := filepath.Join(ts.dir, frameName(ts.frameCount))
	f, err := os.Create(name)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		return false, err
	}

	ts.frameCount++
	ts.lastFrame = img
	return true, nil
}

func framesMatch(a, b image.Image) bool {
	if a.Bounds() != b.Bounds() {
		return false
	}
	diff := image.NewRGBA(a.Bounds())
	n, err := pixelmatch.MatchPixel(a, b, diff, &pixelmatch.Options{Threshold: Threshold})
	if err != nil {
		return false
	}
	return n == 0
}

func frameName(n int) string {
	return "frame-" + itoa(n) + ".png"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// StopTarget stops accepting frames for targetID and returns its final
// frame count, per the Tab Finalizer's step 3 (spec §4.4).
func (c *CaptureSession) StopTarget(targetID string) int {
	c.mu.Lock()
	ts, ok := c.targets[targetID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.stopped = true
	return ts.frameCount
}

// Stop marks the whole capture session stopped; further PushFrame calls
// are no-ops.
func (c *CaptureSession) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}
