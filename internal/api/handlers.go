// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ManuGH/streamgate/internal/archive"
	"github.com/ManuGH/streamgate/internal/fsutil"
	xglog "github.com/ManuGH/streamgate/internal/log"
	"github.com/ManuGH/streamgate/internal/metrics"
	"github.com/ManuGH/streamgate/internal/publish"
	"github.com/ManuGH/streamgate/internal/stream"
)

const (
	playlistName     = publish.PlaylistName
	playlistMIMEType = "application/vnd.apple.mpegurl"
	segmentMIMEType  = "video/mp2t"
)

type startRequest struct {
	Source string `json:"source"`
}

type activeStream struct {
	Key       string       `json:"key"`
	State     stream.State `json:"state"`
	StartedAt string       `json:"startedAt"`
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	sessions := s.mgr.List()
	out := make([]activeStream, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, activeStream{
			Key:       sess.Key,
			State:     sess.State,
			StartedAt: sess.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	source := req.Source
	if source == "" {
		// Default ingest locator: the RTMP endpoint named after the key.
		if err := stream.ValidateKey(key); err != nil {
			writeError(w, r, err)
			return
		}
		source = fmt.Sprintf(s.cfg.SourceTemplate, key)
	}

	sess, err := s.mgr.Start(r.Context(), key, source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.mgr.Stop(r.Context(), key); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "state": string(stream.StateStopped)})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	entry, err := s.mgr.Save(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListArchived(w http.ResponseWriter, r *http.Request) {
	entries, err := s.mgr.Archives(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	data, err := s.mgr.Playlist(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", playlistMIMEType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(data)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	segment := chi.URLParam(r, "segment")

	path, err := s.mgr.SegmentPath(key, segment)
	if err != nil {
		metrics.IncFileRequestDenied("segment")
		writeError(w, r, fmt.Errorf("%w: %s", stream.ErrNotFound, segment))
		return
	}
	w.Header().Set("Content-Type", segmentMIMEType)
	http.ServeFile(w, r, path)
}

// handleArchiveFile serves archived playlists and segments for replay,
// confined to the archive root.
func (s *Server) handleArchiveFile(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/vod/")
	path, err := fsutil.ConfineRelPath(s.cfg.ArchiveDir, rel)
	if err != nil {
		metrics.IncFileRequestDenied("path_escape")
		logger := xglog.WithContext(r.Context(), s.logger)
		logger.Warn().
			Str(xglog.FieldPath, r.URL.Path).
			Msg("denied archive file request")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if err := fsutil.IsRegularFile(path); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if strings.HasSuffix(path, ".m3u8") {
		w.Header().Set("Content-Type", playlistMIMEType)
	}
	http.ServeFile(w, r, path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, stream.ErrAlreadyActive),
		errors.Is(err, archive.ErrSnapshotUnstable):
		status = http.StatusConflict
	case errors.Is(err, stream.ErrNotActive),
		errors.Is(err, stream.ErrNotFound),
		errors.Is(err, publish.ErrNotFound),
		errors.Is(err, archive.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, publish.ErrNotReady):
		status = http.StatusTooEarly
	case errors.Is(err, stream.ErrSpawnFailed):
		status = http.StatusBadGateway
	case errors.Is(err, stream.ErrStartupTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499 // client closed request
	}

	writeJSON(w, status, map[string]string{"error": err.Error()})
}
