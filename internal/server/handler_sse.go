package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/kiln/internal/scheduler"
)

// sseLogEvent carries one log chunk on the job log stream. Data is the raw
// build output, base64 encoded like model.LogChunk.
type sseLogEvent struct {
	Data       []byte `json:"data"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
}

// handleSSEJobLog streams a job's log via Server-Sent Events, starting at
// the offset query parameter, and finishes with a complete event carrying
// the final status.
// GET /api/v1/sse/jobs/{id}/log?offset=
func (s *Server) handleSSEJobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reqID := RequestIDFromContext(r.Context())

	offset, err := queryInt64(r, "offset", 0)
	if err != nil || offset < 0 {
		respondErr(w, reqID, "job", id, scheduler.ErrInvalidOffset)
		return
	}

	h, err := s.jobs.get(id)
	if err != nil {
		respondErr(w, reqID, "job", id, err)
		return
	}
	scoped, err := h.Clone()
	if err != nil {
		respondErr(w, reqID, "job", id, s.releaseReason(id, err))
		return
	}
	defer scoped.Release()
	job, err := scoped.Get()
	if err != nil {
		respondErr(w, reqID, "job", id, err)
		return
	}
	if size := job.Snapshot().LogSize; offset > size {
		respondErr(w, reqID, "job", id, scheduler.ErrInvalidOffset)
		return
	}

	rc := http.NewResponseController(w)
	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	for {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.HeartbeatInterval)
		chunk, next, err := job.ReadLog(ctx, offset)
		cancel()

		switch {
		case r.Context().Err() != nil:
			return
		case isTimeout(err):
			if err := sendSSEComment(w, rc, "heartbeat"); err != nil {
				return
			}
			continue
		case err != nil:
			sendSSEEvent(w, rc, "error", map[string]string{"error": err.Error()})
			return
		case len(chunk) == 0:
			st, _ := job.Status(r.Context())
			sendSSEEvent(w, rc, "complete", statusResponse{
				ID: id, State: job.State(), Terminal: true, Result: &st,
			})
			return
		}

		if err := sendSSEEvent(w, rc, "log", sseLogEvent{Data: chunk, Offset: offset, NextOffset: next}); err != nil {
			s.logger.Debug("sse client disconnected", "id", id, "error", err)
			return
		}
		offset = next
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
}

func sendSSEEvent(w http.ResponseWriter, rc *http.ResponseController, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	return rc.Flush()
}

func sendSSEComment(w http.ResponseWriter, rc *http.ResponseController, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	return rc.Flush()
}
