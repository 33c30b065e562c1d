// SPDX-License-Identifier: MIT

// Package api binds the session lifecycle operations to HTTP routes.
// Transport concerns only: input shape validation, error-to-status mapping
// and file serving; all session semantics live in internal/stream.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/streamgate/internal/config"
	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/stream"
)

// Server is the HTTP front end for the session manager.
type Server struct {
	mgr    *stream.Manager
	cfg    config.AppConfig
	logger zerolog.Logger
}

// New returns a Server around mgr.
func New(mgr *stream.Manager, cfg config.AppConfig) *Server {
	return &Server{
		mgr:    mgr,
		cfg:    cfg,
		logger: xglog.WithComponent("api"),
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/", s.handleListActive)
		r.Get("/{key}", s.handleGet)

		// Mutating operations are rate limited per client.
		mutate := r.With(httprate.LimitByIP(s.cfg.RateLimitRPS, time.Second))
		mutate.Post("/{key}/start", s.handleStart)
		mutate.Post("/{key}/stop", s.handleStop)
		mutate.Post("/{key}/save", s.handleSave)
	})
	r.Get("/api/archives", s.handleListArchived)

	r.Get("/hls/{key}/"+playlistName, s.handlePlaylist)
	r.Get("/hls/{key}/{segment}", s.handleSegment)
	r.Get("/vod/*", s.handleArchiveFile)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
