package coordinator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/browserless-labs/replayguard/internal/registry"
)

// drainResultWire decodes the atomic read-and-clear buffer probe.
type drainResultWire struct {
	Events []json.RawMessage `json:"events"`
}

// selfHealProbeWire decodes the self-heal state probe (spec §4.3): buffer
// presence, stop-function presence, document readyState, location.
type selfHealProbeWire struct {
	BufferPresent bool   `json:"bufferPresent"`
	StopPresent   bool   `json:"stopPresent"`
	ReadyState    string `json:"readyState"`
	URL           string `json:"url"`
}

const drainScript = `(() => {
	const buf = window.__replayGuardBuffer || [];
	window.__replayGuardBuffer = [];
	return {events: buf};
})()`

const selfHealProbeScript = `(() => ({
	bufferPresent: !!window.__replayGuardBuffer,
	stopPresent: typeof window.__replayGuardStop === "function",
	readyState: document.readyState,
	url: location.href
}))()`

// RunDrainLoop is the Event Drain Loop from spec §4.3: every
// cfg.DrainInterval, for each tracked target, atomically read-and-clear
// the in-page recording buffer and forward events to the replay store,
// counting consecutive empty drains toward the self-heal threshold.
// Intended to run in its own goroutine for the Coordinator's lifetime;
// returns when ctx is cancelled.
func (c *Coordinator) RunDrainLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.drainAllOnce(ctx)
		}
	}
}

func (c *Coordinator) drainAllOnce(ctx context.Context) {
	for _, targetID := range c.registry.TargetIDs() {
		c.drainOne(ctx, targetID)
	}
}

func (c *Coordinator) drainOne(ctx context.Context, targetID string) {
	ts, ok := c.registry.ByTargetID(targetID)
	if !ok {
		return
	}

	// The drain's evaluate must route through the browser WS (spec §4.3):
	// an atomic read-and-clear cannot tolerate a dropped per-page reply.
	raw, err := c.transport.SendToBrowser(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    drainScript,
		"returnByValue": true,
	}, ts.SessionID)
	if err != nil {
		return
	}
	var envelope runtimeEvaluateResultWire
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.ExceptionDetails != nil {
		return
	}
	var result drainResultWire
	if len(envelope.Result.Value) > 0 {
		_ = json.Unmarshal(envelope.Result.Value, &result)
	}

	if len(result.Events) == 0 {
		empty := 0
		c.registry.Mutate(targetID, func(ts *registry.TargetState) {
			if ts.ConsecutiveEmptyDrains == registry.SelfHealSuppressed {
				empty = registry.SelfHealSuppressed
				return
			}
			ts.ConsecutiveEmptyDrains++
			empty = ts.ConsecutiveEmptyDrains
		})
		if empty == registry.SelfHealThreshold {
			c.selfHeal(ctx, targetID, ts.SessionID)
		}
		return
	}

	c.registry.Mutate(targetID, func(ts *registry.TargetState) { ts.ConsecutiveEmptyDrains = 0 })

	c.mu.Lock()
	meta, ok := c.replayMeta[targetID]
	if ok {
		meta.eventCount += len(result.Events)
		c.replayMeta[targetID] = meta
	}
	c.mu.Unlock()
	if ok && c.store != nil {
		c.store.AddEvents(ctx, meta.replayID, len(result.Events))
	}
}

// selfHeal implements spec §4.3's probe-and-reinject path, run once 10
// consecutive empty drains have elapsed for a target.
func (c *Coordinator) selfHeal(ctx context.Context, targetID, sessionID string) {
	var probe selfHealProbeWire
	if err := c.evaluate(ctx, sessionID, selfHealProbeScript, &probe); err != nil {
		return
	}
	if probe.URL != "" && probe.ReadyState != "" && !probe.BufferPresent {
		const clearGlobals = `delete window.__replayGuardBuffer; delete window.__replayGuardStop;`
		_, _ = c.transport.Send(ctx, "Runtime.evaluate", map[string]interface{}{"expression": clearGlobals}, sessionID)
		c.injectPageScripts(ctx, sessionID)
	}
	c.registry.Mutate(targetID, func(ts *registry.TargetState) {
		ts.ConsecutiveEmptyDrains = registry.SelfHealSuppressed
	})
}
