package coordinator

// Shutdown closes a session idempotently, in this order: emit every still
// open detection as solved, finalize each tracked target and remove it from
// the registry while closing its per-page WS, stop video capture, and close
// the transport. Pending commands are rejected only in that last step, when
// transport.Close closes the sockets; they are not rejected before the
// targets are finalized.
//
// Timer-stopping is the caller's responsibility: RunDrainLoop and every
// detection/solve goroutine are already bound to the context the caller
// cancels before calling Shutdown, per the suspension-point cancellation
// model in spec §5.
func (c *Coordinator) Shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		// Any ActiveDetection still open gets emitted as solved with
		// signal session_close (spec §4.6.1 item 7) before its target is
		// torn down underneath it.
		c.detector.EmitUnresolvedDetections()

		for _, targetID := range c.registry.TargetIDs() {
			c.FinalizeTarget(targetID)
			if ts, ok := c.registry.Remove(targetID); ok {
				c.transport.ClosePageSocket(ts.SessionID)
			}
		}

		if c.capture != nil {
			c.capture.Stop()
		}
		_ = c.transport.Close()
	})
}
