// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	xglog "github.com/ManuGH/streamgate/internal/log"
)

// requestID attaches a request ID to the context and response headers,
// honoring an inbound X-Request-Id if present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(xglog.ContextWithRequestID(r.Context(), id)))
	})
}

// accessLog emits one structured line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Info().
			Str("method", r.Method).
			Str(xglog.FieldPath, r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
