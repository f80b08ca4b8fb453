package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/model"
)

const (
	refreshPath        = "/job"
	returnFormatGzip   = "gzipped"
	returnFormatJSON   = "json"
	contentTypeGzip    = "application/gzip"
	queryJobID         = "job_id"
	queryKeepInMemory  = "keep_in_memory"
	queryReturnFormat  = "return_format"
	errInvalidKeepFlag = "keep_in_memory must be a boolean"
)

// handleGetJob returns the job's snapshot. Finished results are removed once
// returned unless keep_in_memory=true. Unknown ids answer 404 with the
// not-found snapshot as the body.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	keep, err := parseBoolQuery(r, queryKeepInMemory)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidKeepFlag)
		return
	}

	snap, err := s.engine.Get(r.Context(), id, keep)
	if errors.Is(err, engine.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, model.NotFoundSnapshot(id))
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, withRefreshURL(snap))
}

// handleJob is the query-string form of handleGetJob. It always answers 200 so
// pollers get a snapshot body for unknown ids too, and can return the snapshot
// gzip compressed with return_format=gzipped.
func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(queryJobID)
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	keep, err := parseBoolQuery(r, queryKeepInMemory)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errInvalidKeepFlag)
		return
	}

	format := r.URL.Query().Get(queryReturnFormat)
	switch format {
	case "", returnFormatJSON, returnFormatGzip:
	default:
		s.writeError(w, http.StatusBadRequest, "return_format must be json or gzipped")
		return
	}

	snap, err := s.engine.Get(r.Context(), id, keep)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		snap = model.NotFoundSnapshot(id)
	case err != nil:
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	default:
		snap = withRefreshURL(snap)
	}

	if format == returnFormatGzip {
		s.writeGzipJSON(w, http.StatusOK, snap)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// withRefreshURL points the snapshot at the URL that polls it.
func withRefreshURL(snap model.Snapshot) model.Snapshot {
	u := refreshPath + "?" + url.Values{queryJobID: {snap.ID}}.Encode()
	snap.RefreshJobURL = &u
	return snap
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeGzipJSON writes v as gzip-compressed JSON. The body itself is the
// gzip stream, so no Content-Encoding is set.
func (s *Server) writeGzipJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeGzip)
	w.WriteHeader(status)

	zw := gzip.NewWriter(w)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		s.logger.Error("encode gzip response", "error", err)
	}
	if err := zw.Close(); err != nil {
		s.logger.Error("close gzip response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseBoolQuery parses an optional boolean query parameter. Missing means false.
func parseBoolQuery(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}
