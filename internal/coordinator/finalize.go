package coordinator

import (
	"context"
	"time"

	"github.com/browserless-labs/replayguard/internal/registry"
	"github.com/browserless-labs/replayguard/internal/replaystore"
)

// FinalizeTarget is the Tab Finalizer from spec §4.4: converges the
// targetDestroyed path, the shutdown path, and (eventually) an explicit
// finalize request into one idempotent operation keyed by target-id.
func (c *Coordinator) FinalizeTarget(targetID string) *FinalResult {
	ts, ok := c.registry.ByTargetID(targetID)
	if !ok {
		return nil
	}
	if ts.FinalizedResult != nil {
		result, _ := ts.FinalizedResult.(*FinalResult)
		return result
	}

	ctx := context.Background()

	// Step 1: final drain.
	c.drainOne(ctx, targetID)

	c.mu.Lock()
	meta, ok := c.replayMeta[targetID]
	delete(c.replayMeta, targetID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	// Step 3: stop screencast, read frame count.
	frameCount := 0
	if c.capture != nil {
		frameCount = c.capture.StopTarget(targetID)
	}

	// Step 4: invoke stopTabReplay; if the store declines, return nil.
	var result *FinalResult
	if c.store != nil {
		res := c.store.StopTabReplay(ctx, replaystore.Replay{
			ID:              meta.replayID,
			TrackingID:      c.cfg.SessionID,
			StartedAt:       meta.startedAt,
			EndedAt:         time.Now(),
			Duration:        time.Since(meta.startedAt),
			EventCount:      meta.eventCount,
			BrowserType:     "chromium",
			RoutePath:       meta.url,
			ParentSessionID: c.cfg.SessionID,
			TargetID:        targetID,
		}, frameCount)
		if res.Err != nil {
			c.log.WithError(res.Err).WithField("target_id", targetID).Warn("coordinator: stopTabReplay failed")
			return nil
		}
		video := res.Value
		if video == nil {
			// Declined: inactive tab, no events, no frames (spec §4.4 step 4).
			return nil
		}

		// Step 5: build the result.
		result = &FinalResult{
			ReplayID:       meta.replayID,
			Duration:       time.Since(meta.startedAt),
			EventCount:     meta.eventCount,
			ReplayURL:      "/replay/" + meta.replayID,
			FrameCount:     frameCount,
			EncodingStatus: video.EncodingStatus,
			VideoURL:       "/video/" + video.ID,
		}
	} else {
		result = &FinalResult{
			ReplayID:   meta.replayID,
			Duration:   time.Since(meta.startedAt),
			EventCount: meta.eventCount,
			FrameCount: frameCount,
		}
	}

	c.registry.Mutate(targetID, func(ts *registry.TargetState) {
		ts.FinalizedResult = result
	})

	// Step 2: remove from the tracked set happens in onTargetDestroyed via
	// registry.Remove, called right after this function returns; shutdown's
	// own drain-then-remove loop does the same.

	// Step 6: invoke the optional completion callback.
	if c.cfg.OnTabFinalized != nil {
		c.cfg.OnTabFinalized(targetID, result)
	}
	return result
}
