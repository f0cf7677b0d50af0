package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/me/kiln/internal/handle"
	"github.com/me/kiln/internal/scheduler"
)

var (
	errJobUnknown  = errors.New("job not found")
	errJobReleased = errors.New("job released")
	errJobExpired  = errors.New("job retention expired")
)

// jobRegistry holds the server's client handle for every job submitted over
// the API. A job leaves the registry when a client releases it or when the
// janitor expires it; its id is remembered so later reads can tell the two
// apart from an id that never existed.
type jobRegistry struct {
	mu      sync.Mutex
	live    map[string]*handle.Handle[*scheduler.Job]
	dropped map[string]error // errJobReleased or errJobExpired
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{
		live:    make(map[string]*handle.Handle[*scheduler.Job]),
		dropped: make(map[string]error),
	}
}

func (r *jobRegistry) add(id string, h *handle.Handle[*scheduler.Job]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[id] = h
}

// get returns the live handle for id. Callers must go through handle.Scope
// since the handle may be released concurrently.
func (r *jobRegistry) get(id string) (*handle.Handle[*scheduler.Job], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.live[id]; ok {
		return h, nil
	}
	if err, ok := r.dropped[id]; ok {
		return nil, err
	}
	return nil, errJobUnknown
}

// release drops the registry's handle for id, recording why.
func (r *jobRegistry) release(id string, reason error) error {
	r.mu.Lock()
	h, ok := r.live[id]
	if !ok {
		err, dropped := r.dropped[id]
		r.mu.Unlock()
		if dropped {
			return err
		}
		return errJobUnknown
	}
	delete(r.live, id)
	r.dropped[id] = reason
	r.mu.Unlock()
	return h.Release()
}

// expired returns ids of jobs that have been terminal for longer than
// retention as of now.
func (r *jobRegistry) expired(now time.Time, retention time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, h := range r.live {
		job, err := h.Get()
		if err != nil {
			continue
		}
		info := job.Snapshot()
		if info.CompletedAt != nil && now.Sub(*info.CompletedAt) >= retention {
			ids = append(ids, id)
		}
	}
	return ids
}

// handles lists every live handle.
func (r *jobRegistry) handles() []*handle.Handle[*scheduler.Job] {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*handle.Handle[*scheduler.Job], 0, len(r.live))
	for _, h := range r.live {
		out = append(out, h)
	}
	return out
}

// releaseAll drops every live handle and returns how many failed to
// release. Used at shutdown.
func (r *jobRegistry) releaseAll(logger *slog.Logger) int {
	r.mu.Lock()
	live := r.live
	r.live = make(map[string]*handle.Handle[*scheduler.Job])
	r.mu.Unlock()
	failed := 0
	for id, h := range live {
		if err := h.Release(); err != nil {
			logger.Error("release job", "job_id", id, "error", err)
			failed++
		}
	}
	return failed
}
