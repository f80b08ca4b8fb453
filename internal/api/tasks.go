package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskd/internal/engine"
	"github.com/seantiz/taskd/internal/task"
)

const maxBodySize = 1 << 20 // 1 MB

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// handleSubmitTask accepts a JSON object of arguments for the task kind in the
// path. The optional timeout_s query parameter overrides the kind's timeout.
// Accepted jobs answer 202; jobs rejected at admission answer 200 with their
// final Failed snapshot.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	kind := chi.URLParam(r, "kind")

	var opts []engine.SubmitOption
	if v := r.URL.Query().Get("timeout_s"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeout_s must be a positive number")
			return
		}
		opts = append(opts, engine.WithTimeout(task.SecondsToDuration(secs)))
	}

	var args task.Args
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec := s.engine.Submit(r.Context(), kind, args, opts...)
	snap := withRefreshURL(rec.Snapshot())

	// Rejected jobs are never queued.
	status := http.StatusAccepted
	if snap.QueuedAt == nil {
		status = http.StatusOK
	}
	s.writeJSON(w, status, snap)
}
