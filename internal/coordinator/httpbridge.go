package coordinator

// SessionID returns this Coordinator's browser-session id (cfg.SessionID,
// a generated UUID when none was configured), used by internal/httpapi to route the beacon endpoint's
// optional sessionId filter (spec §6: "if s missing, broadcast to all
// sessions — each session filters by its own target-id").
func (c *Coordinator) SessionID() string { return c.cfg.SessionID }

// HandleBeacon forwards a sendBeacon delivery to the Challenge Solver if
// targetID belongs to this session, reporting whether it did. The HTTP
// handler uses this to implement the broadcast-when-sessionId-is-missing
// fallback without the coordinator needing to know about HTTP at all.
func (c *Coordinator) HandleBeacon(targetID string, tokenLength int) bool {
	if _, ok := c.registry.ByTargetID(targetID); !ok {
		return false
	}
	c.detector.OnBeaconSolved(targetID, tokenLength)
	return true
}
