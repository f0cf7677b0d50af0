package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/me/kiln/internal/handle"
	"github.com/me/kiln/internal/scheduler"
	"github.com/me/kiln/pkg/model"
)

// submitRequest is the body of POST /api/v1/jobs.
type submitRequest struct {
	Descriptor string `json:"descriptor"`
	CacheHint  string `json:"cache_hint"`
}

// statusResponse is the body of GET /api/v1/jobs/{id}/status.
type statusResponse struct {
	ID       string         `json:"id"`
	State    model.JobState `json:"state"`
	Terminal bool           `json:"terminal"`
	Result   *model.Result  `json:"result,omitempty"`
}

// handleSubmitJob enqueues a build.
// POST /api/v1/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "invalid JSON body: " + err.Error(),
		})
		return
	}

	h, err := s.sched.Submit(req.Descriptor, req.CacheHint)
	if err != nil {
		respondErr(w, reqID, "job", "", err)
		return
	}
	job, _ := h.Get()
	s.jobs.add(job.ID(), h)

	respondCreated(w, reqID, job.Snapshot())
}

// handleListJobs lists jobs, newest first.
// GET /api/v1/jobs?limit=&offset=&state=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	opts := listOptions(r)

	jobs, total, err := s.ListJobs(r.Context(), opts)
	if err != nil {
		respondError(w, reqID, http.StatusInternalServerError, model.NewInternalError(err.Error()))
		return
	}
	respondList(w, reqID, jobs, model.NewPagination(total, opts))
}

// ListJobs returns one page of jobs, newest first, and the total matching
// count. The archive is authoritative when configured; otherwise only live
// jobs are listed.
func (s *Server) ListJobs(ctx context.Context, opts model.ListOptions) ([]model.JobInfo, int, error) {
	if s.store != nil {
		archived, total, err := s.store.ListJobs(ctx, opts)
		if err != nil {
			return nil, 0, err
		}
		infos := make([]model.JobInfo, 0, len(archived))
		for _, info := range archived {
			infos = append(infos, *info)
		}
		return infos, total, nil
	}

	infos := []model.JobInfo{}
	for _, h := range s.jobs.handles() {
		job, err := h.Get()
		if err != nil {
			continue
		}
		info := job.Snapshot()
		if opts.State == "" || info.State == opts.State {
			infos = append(infos, info)
		}
	}
	slices.SortFunc(infos, func(a, b model.JobInfo) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	lo, hi := opts.Window(len(infos))
	return infos[lo:hi], len(infos), nil
}

// JobDetail returns a job's current view and the log written so far, from
// the live job or, once it has expired, from the archive.
func (s *Server) JobDetail(ctx context.Context, id string) (model.JobInfo, []byte, error) {
	var (
		info model.JobInfo
		log  []byte
	)
	err := s.withJob(id, func(job *scheduler.Job) error {
		info = job.Snapshot()
		done, cancel := context.WithCancel(ctx)
		cancel()
		data, _, err := job.ReadLog(done, 0)
		if err != nil && !isTimeout(err) {
			return err
		}
		log = data
		return nil
	})
	if err == nil {
		return info, log, nil
	}

	archived, aerr := s.archived(ctx, id, err)
	if aerr != nil {
		return model.JobInfo{}, nil, aerr
	}
	return archived.Job, archived.Log, nil
}

// Workers lists connected workers in registration order.
func (s *Server) Workers() []model.WorkerInfo {
	return s.sched.Workers()
}

// handleGetJob returns a job's current view.
// GET /api/v1/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var info model.JobInfo
	err := s.withJob(id, func(job *scheduler.Job) error {
		info = job.Snapshot()
		return nil
	})
	if err == nil {
		respondOK(w, reqID, info)
		return
	}

	archived, aerr := s.archived(r.Context(), id, err)
	if aerr != nil {
		respondErr(w, reqID, "job", id, aerr)
		return
	}
	respondOK(w, reqID, archived.Job)
}

// handleGetJobLog returns the log from offset onward. With wait=true the
// request long-polls until new bytes exist, the job ends, or the timeout
// passes; a timeout yields an empty chunk with done=false.
// GET /api/v1/jobs/{id}/log?offset=&wait=&timeout=
func (s *Server) handleGetJobLog(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	offset, err := queryInt64(r, "offset", 0)
	if err != nil || offset < 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid offset",
			model.FieldError{Field: "offset", Message: "offset must be a non-negative integer"}))
		return
	}

	var chunk model.LogChunk
	err = s.withJob(id, func(job *scheduler.Job) error {
		ctx, cancel := s.pollContext(r)
		defer cancel()
		data, next, err := job.ReadLog(ctx, offset)
		if err != nil && !isTimeout(err) {
			return err
		}
		chunk = model.LogChunk{
			Data:       data,
			Offset:     offset,
			NextOffset: next,
			Done:       err == nil && len(data) == 0,
		}
		return nil
	})
	if err == nil {
		respondOK(w, reqID, chunk)
		return
	}

	archived, aerr := s.archived(r.Context(), id, err)
	if aerr != nil {
		respondErr(w, reqID, "job", id, aerr)
		return
	}
	size := int64(len(archived.Log))
	if offset > size {
		respondErr(w, reqID, "job", id, scheduler.ErrInvalidOffset)
		return
	}
	respondOK(w, reqID, model.LogChunk{
		Data:       archived.Log[offset:],
		Offset:     offset,
		NextOffset: size,
		Done:       offset == size,
	})
}

// handleGetJobStatus returns the job's state and, once terminal, its
// result. With wait=true it blocks until the job is terminal or the timeout
// passes.
// GET /api/v1/jobs/{id}/status?wait=&timeout=
func (s *Server) handleGetJobStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var resp statusResponse
	err := s.withJob(id, func(job *scheduler.Job) error {
		ctx, cancel := s.pollContext(r)
		defer cancel()
		if _, err := job.Status(ctx); err != nil && !isTimeout(err) {
			return err
		}
		info := job.Snapshot()
		resp = statusResponse{ID: id, State: info.State, Terminal: info.State.IsTerminal(), Result: info.Result}
		return nil
	})
	if err == nil {
		respondOK(w, reqID, resp)
		return
	}

	archived, aerr := s.archived(r.Context(), id, err)
	if aerr != nil {
		respondErr(w, reqID, "job", id, aerr)
		return
	}
	respondOK(w, reqID, statusResponse{
		ID:       id,
		State:    archived.Job.State,
		Terminal: archived.Job.State.IsTerminal(),
		Result:   archived.Job.Result,
	})
}

// handleReleaseJob drops the server's handle on a job. Later reads return
// 410 Gone.
// DELETE /api/v1/jobs/{id}
func (s *Server) handleReleaseJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.releaseJob(id, errJobReleased); err != nil {
		respondErr(w, reqID, "job", id, err)
		return
	}
	respondOK(w, reqID, map[string]any{"id": id, "released": true})
}

// releaseJob removes id from the registry and records the release.
func (s *Server) releaseJob(id string, reason error) error {
	if err := s.jobs.release(id, reason); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.JobReleased(id, time.Now().UTC())
	}
	s.logger.Info("job released", "job_id", id, "reason", reason.Error())
	return nil
}

// withJob runs fn with a scoped reference to the live job id.
func (s *Server) withJob(id string, fn func(job *scheduler.Job) error) error {
	h, err := s.jobs.get(id)
	if err != nil {
		return err
	}
	return s.scopeJob(id, h, fn)
}

// scopeJob runs fn with a reference cloned from h, the registry's handle
// for id.
func (s *Server) scopeJob(id string, h *handle.Handle[*scheduler.Job], fn func(job *scheduler.Job) error) error {
	err := handle.Scope(h, func(scoped *handle.Handle[*scheduler.Job]) error {
		job, err := scoped.Get()
		if err != nil {
			return err
		}
		return fn(job)
	})
	return s.releaseReason(id, err)
}

// releaseReason replaces a use-after-release error on the registry's handle
// with the reason the registry dropped the job, so a release racing a read
// still answers 410 and an expiry still falls back to the archive.
func (s *Server) releaseReason(id string, err error) error {
	if !errors.Is(err, handle.ErrReleased) {
		return err
	}
	if _, reason := s.jobs.get(id); reason != nil {
		return reason
	}
	return err
}

// archived falls back to the archive for jobs that are no longer live.
// Explicitly released jobs stay gone.
func (s *Server) archived(ctx context.Context, id string, liveErr error) (*model.ArchivedJob, error) {
	if s.store == nil || errors.Is(liveErr, errJobReleased) || !isDropped(liveErr) {
		return nil, liveErr
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil || !job.Job.State.IsTerminal() {
		return nil, liveErr
	}
	return job, nil
}

func isDropped(err error) bool {
	return errors.Is(err, errJobExpired) || errors.Is(err, errJobUnknown) || errors.Is(err, scheduler.ErrReleased)
}

// pollContext bounds a long-poll by the request, the timeout query parameter
// and the server's maximum. wait=false makes the read non-blocking.
func (s *Server) pollContext(r *http.Request) (context.Context, context.CancelFunc) {
	if !queryBool(r, "wait") {
		ctx, cancel := context.WithCancel(r.Context())
		cancel()
		return ctx, cancel
	}
	timeout := s.config.LogPollTimeout
	if v := r.URL.Query().Get("timeout"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 && d < timeout {
			timeout = d
		}
	}
	return context.WithTimeout(r.Context(), timeout)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func listOptions(r *http.Request) model.ListOptions {
	opts := model.DefaultListOptions()
	if v, err := queryInt64(r, "limit", int64(opts.Limit)); err == nil {
		opts.Limit = int(v)
	}
	if v, err := queryInt64(r, "offset", 0); err == nil {
		opts.Offset = int(v)
	}
	opts.State = model.JobState(strings.ToLower(r.URL.Query().Get("state")))
	opts.Clamp()
	return opts
}

func queryInt64(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}
