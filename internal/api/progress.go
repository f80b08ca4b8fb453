package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/taskd/internal/engine"
)

const sseDoneEvent = "done"

// handleStreamProgress streams a job's progress updates as server-sent events
// and finishes with a "done" event carrying the final status. The job's
// result is not consumed.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe first so no update between the lookup and the stream is lost.
	ch, unsub, tracked := s.engine.Subscribe(id)
	defer unsub()

	if !tracked {
		snap, err := s.engine.Get(r.Context(), id, true)
		if errors.Is(err, engine.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.logger.Error("get job for progress", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get job")
			return
		}

		// Already terminal: the stream is just the done event.
		setSSEHeaders(w)
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, sseDoneEvent, snap.Status)
		return
	}

	setSSEHeaders(w)
	progressStreams.Inc()
	defer progressStreams.Dec()

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				status := "unknown"
				if snap, err := s.engine.Get(r.Context(), id, true); err == nil {
					status = snap.Status
				}
				_ = writeSSEEvent(w, sseDoneEvent, status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("encode progress update", "job_id", id, "error", err)
				continue
			}
			if err := writeSSEData(w, string(data)); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEData writes a data event. Multi-line strings are split so that each
// segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	// Blank line terminates the event.
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
