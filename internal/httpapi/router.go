// Package httpapi implements the HTTP management surface from spec §6:
// the beacon receiver, the Prometheus exposition endpoint, and video
// deletion, plus a debug event stream supplementing the distilled spec.
//
// Grounded on Easonliuliang-purify's api/router.go: a Gin engine built with
// gin.Recovery()/gin.Logger() globally and a route group carrying
// auth/rate-limit middleware, handlers as constructor functions closing
// over their collaborators rather than methods on a fat Server struct.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/browserless-labs/replayguard/internal/config"
	"github.com/browserless-labs/replayguard/internal/httpapi/middleware"
	"github.com/browserless-labs/replayguard/internal/metrics"
	"github.com/browserless-labs/replayguard/internal/replaystore"
)

// SessionLookup lists every live Coordinator; the handlers match a
// session-id or target-id against that list themselves.
// internal/coordinator.Coordinator satisfies the per-session half of this
// (HandleBeacon, SessionID), cmd/replayguardd wires the process-wide set.
type SessionLookup interface {
	// Sessions returns every live coordinator this process currently owns.
	Sessions() []BeaconTarget
}

// BeaconTarget is the narrow slice of Coordinator the beacon handler needs,
// kept as an interface so internal/httpapi never imports internal/coordinator
// directly (spec §9's package-layering: the HTTP surface is a consumer, not
// a collaborator chromedp-style components reach back into).
type BeaconTarget interface {
	SessionID() string
	HandleBeacon(targetID string, tokenLength int) bool
	Snapshot() []metrics.SessionStats
}

// NewRouter builds a configured Gin engine for the management surface.
// reg is the prometheus.Gatherer the process registered its collectors
// against (internal/metrics.New takes the same value as a Registerer).
func NewRouter(cfg config.Config, lookup SessionLookup, store *replaystore.Store, reg prometheus.Gatherer, log *logrus.Entry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(ginLogrus(log))

	// Beacon receiver: no auth, local only (spec §6).
	r.POST("/management/cf-solved", handleBeacon(lookup, log))

	// Metrics: authed via API key, rate limited.
	management := r.Group("/management")
	if len(cfg.MetricsAPIKeys) > 0 {
		management.Use(middleware.APIKeyAuth(cfg.MetricsAPIKeys))
	}
	management.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	management.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	management.GET("/ws-debug", handleWSDebug(lookup, log))

	// Video deletion.
	r.DELETE("/video/:id", handleDeleteVideo(store))

	return r
}

func ginLogrus(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("httpapi: request handled")
	}
}

func handleDeleteVideo(store *replaystore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		res := store.DeleteVideo(c.Request.Context(), id)
		if res.Err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": res.Err.Error()})
			return
		}
		if !res.Value {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusOK)
	}
}
