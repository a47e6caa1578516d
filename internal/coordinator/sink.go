package coordinator

import (
	"context"
	"encoding/json"

	"github.com/browserless-labs/replayguard/internal/challenge"
)

// Coordinator implements challenge.EventSink: every detected/progress/
// solved/failed event is mirrored as a marker appended to the page's
// recording buffer (spec §4.6.5's last sentence), in addition to whatever
// bookkeeping the event itself triggers.

func (c *Coordinator) Detected(ev challenge.DetectedEvent) {
	c.mirrorMarker(ev.TargetID, "cf.detected", ev)
}

func (c *Coordinator) Progress(ev challenge.ProgressEvent) {
	c.mirrorMarker(ev.TargetID, "cf.progress", ev)
}

func (c *Coordinator) Solved(ev challenge.SolvedEvent) {
	c.mirrorMarker(ev.TargetID, "cf.solved", ev)
}

func (c *Coordinator) Failed(ev challenge.FailedEvent) {
	c.mirrorMarker(ev.TargetID, "cf.failed", ev)
}

// mirrorMarker appends a marker event to the target's in-page recording
// buffer via the same injected-script evaluate path the drain loop reads
// from, best-effort: a page that has navigated away or closed simply
// drops the marker.
func (c *Coordinator) mirrorMarker(targetID, tag string, payload interface{}) {
	sessionID, ok := c.sessionIDFor(targetID)
	if !ok {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	script := "window.__replayGuardBuffer && window.__replayGuardBuffer.push({tag:" + jsonQuote(tag) + ",payload:" + string(body) + "})"
	_, _ = c.transport.Send(context.Background(), "Runtime.evaluate", map[string]interface{}{"expression": script}, sessionID)
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
