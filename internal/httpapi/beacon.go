package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// beaconBody is the sendBeacon payload (spec §6): `{s?:sessionId,
// t:targetId, l:tokenLength}`. Accepted as either application/json or
// text/plain, since navigator.sendBeacon sends a Blob whose content type
// the page script controls.
type beaconBody struct {
	SessionID   string `json:"s"`
	TargetID    string `json:"t"`
	TokenLength int    `json:"l"`
}

// handleBeacon implements POST /management/cf-solved (spec §6): malformed
// bodies get 400, everything else (including an unknown target) gets 204
// to avoid leaking session topology to the page (spec §7's beacon-path
// error-handling rule).
func handleBeacon(lookup SessionLookup, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 4096))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		var body beaconBody
		if err := json.Unmarshal(raw, &body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		if body.TargetID == "" {
			c.Status(http.StatusBadRequest)
			return
		}

		handled := false
		for _, sess := range lookup.Sessions() {
			if body.SessionID != "" && sess.SessionID() != body.SessionID {
				continue
			}
			if sess.HandleBeacon(body.TargetID, body.TokenLength) {
				handled = true
				if body.SessionID != "" {
					break
				}
			}
		}
		if !handled {
			log.WithField("target_id", body.TargetID).Debug("httpapi: beacon for unknown target")
		}
		c.Status(http.StatusNoContent)
	}
}
