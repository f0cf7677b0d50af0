package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/pkg/model"
)

// maxLogAppend bounds a single log upload from a worker.
const maxLogAppend = 4 << 20

// registerRequest is the body of POST /api/v1/workers.
type registerRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Capacity int    `json:"capacity"`
}

// registeredEvent is the first event on a registration stream.
type registeredEvent struct {
	WorkerID  string `json:"worker_id"`
	Capacity  int    `json:"capacity"`
	Heartbeat string `json:"heartbeat"`
}

// handleRegisterWorker registers a worker and streams its assignments as
// Server-Sent Events. The registration lives exactly as long as the stream:
// when the client goes away, or the stream cannot be written, the worker is
// disconnected and its in-flight jobs are requeued.
// POST /api/v1/workers
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}
	if req.Capacity < 1 {
		respondErr(w, reqID, "worker", "", scheduler.ErrInvalidCapacity)
		return
	}

	rc := http.NewResponseController(w)
	wh, err := s.sched.Register(r.Context(), scheduler.WorkerSpec{
		Name:     req.Name,
		Hostname: req.Hostname,
		Capacity: req.Capacity,
	})
	if err != nil {
		respondErr(w, reqID, "worker", "", err)
		return
	}
	defer func() {
		if err := wh.Release(); err != nil {
			s.logger.Error("release worker handle", "error", err)
		}
	}()
	conn, err := wh.Get()
	if err != nil {
		respondErr(w, reqID, "worker", "", err)
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := sendSSEEvent(w, rc, "registered", registeredEvent{
		WorkerID:  conn.ID(),
		Capacity:  conn.Capacity(),
		Heartbeat: s.config.HeartbeatInterval.String(),
	}); err != nil {
		s.logger.Debug("worker stream closed", "worker_id", conn.ID(), "error", err)
		return
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.Done():
			return
		case a, ok := <-conn.Assignments():
			if !ok {
				return
			}
			if err := sendSSEEvent(w, rc, "assign", a.Message()); err != nil {
				s.logger.Warn("assignment not delivered", "worker_id", conn.ID(), "job_id", a.Job().ID(), "error", err)
				return
			}
		case <-ticker.C:
			if err := sendSSEComment(w, rc, "heartbeat"); err != nil {
				s.logger.Debug("worker stream closed", "worker_id", conn.ID(), "error", err)
				return
			}
		}
	}
}

// handleListWorkers lists connected workers in registration order.
// GET /api/v1/workers
func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.Workers())
}

// handleListWorkerSessions lists past and present registrations from the
// archive.
// GET /api/v1/workers/sessions?limit=
func (s *Server) handleListWorkerSessions(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondOK(w, reqID, []*model.WorkerSession{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.store.ListWorkerSessions(r.Context(), limit)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	if sessions == nil {
		sessions = []*model.WorkerSession{}
	}
	respondOK(w, reqID, sessions)
}

// handleDisconnectWorker forcibly closes a worker's registration.
// DELETE /api/v1/workers/{id}
func (s *Server) handleDisconnectWorker(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	conn, err := s.sched.Worker(id)
	if err != nil {
		respondErr(w, reqID, "worker", id, err)
		return
	}
	conn.Close()
	s.logger.Info("worker disconnected by request", "worker_id", id)
	respondOK(w, reqID, map[string]any{"id": id, "disconnected": true})
}

// handleStartJob marks an assigned job as running.
// PUT /api/v1/workers/{id}/jobs/{jid}/start
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	s.withAssignment(w, r, func(a *scheduler.Assignment) (any, error) {
		if err := a.Start(); err != nil {
			return nil, err
		}
		return a.Job().Snapshot(), nil
	})
}

// handleAppendLog appends the raw request body to the job's log.
// POST /api/v1/workers/{id}/jobs/{jid}/log
func (s *Server) handleAppendLog(w http.ResponseWriter, r *http.Request) {
	s.withAssignment(w, r, func(a *scheduler.Assignment) (any, error) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxLogAppend+1))
		if err != nil {
			return nil, err
		}
		if len(body) > maxLogAppend {
			return nil, errLogTooLarge
		}
		if err := a.AppendLog(body); err != nil {
			return nil, err
		}
		return map[string]any{"appended": len(body)}, nil
	})
}

// handleCompleteJob records the build outcome.
// PUT /api/v1/workers/{id}/jobs/{jid}/complete
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	s.withAssignment(w, r, func(a *scheduler.Assignment) (any, error) {
		var outcome model.Outcome
		if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
			return nil, errBadOutcome
		}
		if err := a.Complete(outcome); err != nil {
			return nil, err
		}
		return a.Job().Snapshot(), nil
	})
}

var (
	errLogTooLarge = errors.New("log chunk too large")
	errBadOutcome  = errors.New("invalid outcome body")
)

// withAssignment resolves the worker's current assignment for the job in the
// URL and writes fn's result or error.
func (s *Server) withAssignment(w http.ResponseWriter, r *http.Request, fn func(a *scheduler.Assignment) (any, error)) {
	reqID := RequestIDFromContext(r.Context())
	workerID := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "jid")

	conn, err := s.sched.Worker(workerID)
	if err != nil {
		respondErr(w, reqID, "worker", workerID, err)
		return
	}
	a, err := conn.Assignment(jobID)
	if err != nil {
		if errors.Is(err, scheduler.ErrWorkerNotFound) {
			respondErr(w, reqID, "worker", workerID, err)
			return
		}
		respondErr(w, reqID, "job", jobID, scheduler.ErrStaleAssignment)
		return
	}

	data, err := fn(a)
	switch {
	case err == nil:
		respondOK(w, reqID, data)
	case errors.Is(err, errLogTooLarge):
		respondError(w, reqID, http.StatusRequestEntityTooLarge, model.NewValidationError(err.Error()))
	case errors.Is(err, errBadOutcome):
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError(err.Error()))
	default:
		if errors.Is(err, scheduler.ErrStaleAssignment) {
			s.logger.Info("stale worker write rejected", "worker_id", workerID, "job_id", jobID)
		}
		respondErr(w, reqID, "job", jobID, err)
	}
}
