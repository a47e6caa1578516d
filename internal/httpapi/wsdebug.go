package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/metrics"
)

// handleWSDebug streams one session's live SessionStats snapshot to an
// operator every 2 seconds over a raw WebSocket, supplementing the
// distilled spec's HTTP surface with the small authenticated introspection
// endpoint noted in SPEC_FULL.md's dependency ledger (repurposing
// gobwas/ws, declared by chromedp's go.mod but unused there).
//
// Grounded on gobwas/ws's own documented low-level upgrade + wsutil
// message-write idiom: UpgradeHTTP hijacks the net/http connection, after
// which writes go through wsutil.WriteServerMessage rather than back
// through the http.ResponseWriter.
func handleWSDebug(lookup SessionLookup, log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("session")

		conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()
		go func() {
			// Any client-initiated read (including a close frame) ends the
			// stream; wsutil.ReadClientData blocks until one arrives.
			_, _, _ = wsutil.ReadClientData(conn)
			cancel()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := snapshotFor(lookup, sessionID)
				body, err := json.Marshal(snap)
				if err != nil {
					continue
				}
				if err := wsutil.WriteServerMessage(conn, ws.OpText, body); err != nil {
					log.WithError(err).Debug("httpapi: ws-debug write failed, closing")
					return
				}
			}
		}
	}
}

func snapshotFor(lookup SessionLookup, sessionID string) []metrics.SessionStats {
	var out []metrics.SessionStats
	for _, sess := range lookup.Sessions() {
		if sessionID != "" && sess.SessionID() != sessionID {
			continue
		}
		out = append(out, sess.Snapshot()...)
	}
	return out
}
