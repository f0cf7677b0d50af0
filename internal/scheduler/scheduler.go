package scheduler

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/me/kiln/internal/handle"
	"github.com/me/kiln/pkg/model"
)

// Observer receives job and worker lifecycle events. Calls happen outside
// the scheduler lock, possibly from several goroutines; JobInfo.Revision
// orders events of one job.
type Observer interface {
	JobChanged(ev model.JobEvent)
	WorkerChanged(ev model.WorkerEvent)
}

// Stats summarizes scheduler state.
type Stats struct {
	Queued   []string           `json:"queued"`
	InFlight int                `json:"in_flight"`
	Workers  []model.WorkerInfo `json:"workers"`
}

// Scheduler owns the dispatch queue and the worker slot tracker. Submissions,
// registrations, completions and disconnects all mutate that state under a
// single lock and end with the same matching pass: the oldest queued job goes
// to the next worker with a free slot, until either runs out.
type Scheduler struct {
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu      sync.Mutex
	queue   dispatchQueue
	tracker *slotTracker
	jobs    map[string]*handle.Handle[*Job] // scheduler's own reference, held until terminal
	seq     uint64
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStrategy selects how ties between workers with free slots are broken.
func WithStrategy(strategy model.DispatchStrategy) Option {
	return func(s *Scheduler) {
		s.tracker = newSlotTracker(strategy)
	}
}

// WithObserver sets the receiver of lifecycle events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  logger.With("component", "scheduler"),
		now:     func() time.Time { return time.Now().UTC() },
		tracker: newSlotTracker(model.StrategyRoundRobin),
		jobs:    make(map[string]*handle.Handle[*Job]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a queued job, tries to dispatch it immediately and returns
// the caller's handle to it.
func (s *Scheduler) Submit(descriptor, cacheHint string) (*handle.Handle[*Job], error) {
	if strings.TrimSpace(descriptor) == "" {
		return nil, ErrEmptyDescriptor
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	s.seq++
	job := newJob("job_"+uuid.New().String(), descriptor, cacheHint, s.seq, s.now())
	own := handle.New(job, (*Job).markReleased)
	client, _ := own.Clone()
	s.jobs[job.id] = own
	s.queue.push(job)

	events := []model.JobEvent{{Job: job.Snapshot()}}
	events = append(events, s.dispatchLocked()...)
	s.mu.Unlock()

	s.logger.Info("job submitted", "job_id", job.id, "cache_hint", cacheHint)
	s.emitJobs(events)
	return client, nil
}

// Register adds a worker with the given capacity, all slots free, and runs a
// matching pass. The worker is disconnected when ctx is cancelled, when the
// connection is closed, or when the last handle to it is released.
func (s *Scheduler) Register(ctx context.Context, spec WorkerSpec) (*handle.Handle[*WorkerConn], error) {
	if spec.Capacity < 1 {
		return nil, ErrInvalidCapacity
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}
	w := &WorkerConn{
		id:          "wrk_" + uuid.New().String(),
		name:        spec.Name,
		hostname:    spec.Hostname,
		capacity:    spec.Capacity,
		connectedAt: s.now(),
		sched:       s,
		assignments: make(chan *Assignment, spec.Capacity),
		done:        make(chan struct{}),
		assigned:    make(map[string]*Assignment),
	}
	s.tracker.add(w)
	events := s.dispatchLocked()
	info := w.infoLocked()
	s.mu.Unlock()

	go w.watch(ctx)

	s.logger.Info("worker registered", "worker_id", w.id, "name", w.name, "capacity", w.capacity)
	s.emitWorker(model.WorkerEvent{Worker: info, Connected: true, Time: info.ConnectedAt})
	s.emitJobs(events)
	return handle.New(w, (*WorkerConn).Close), nil
}

// Worker returns the connected worker with the given id.
func (s *Scheduler) Worker(id string) (*WorkerConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.tracker.get(id)
	if w == nil {
		return nil, ErrWorkerNotFound
	}
	return w, nil
}

// Workers lists connected workers in registration order.
func (s *Scheduler) Workers() []model.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.WorkerInfo, 0, len(s.tracker.workers))
	for _, w := range s.tracker.workers {
		out = append(out, w.infoLocked())
	}
	return out
}

// Stats returns the queue contents and per-worker slot usage.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Queued: s.queue.ids()}
	for _, w := range s.tracker.workers {
		info := w.infoLocked()
		st.InFlight += len(info.Assigned)
		st.Workers = append(st.Workers, info)
	}
	return st
}

// Close stops accepting work and disconnects every worker. Queued jobs stay
// queued.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := slices.Clone(s.tracker.workers)
	s.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	s.logger.Info("scheduler closed", "workers", len(workers))
	return nil
}

// dispatchLocked assigns queued jobs to free slots until the queue is empty
// or every worker is full. Caller holds s.mu.
func (s *Scheduler) dispatchLocked() []model.JobEvent {
	var events []model.JobEvent
	for s.queue.len() > 0 {
		w := s.tracker.pick()
		if w == nil {
			break
		}
		job := s.queue.pop()
		epoch, attempt, err := job.assign(w.id)
		if err != nil {
			s.logger.Error("assign job", "job_id", job.id, "worker_id", w.id, "error", err)
			continue
		}
		a := &Assignment{job: job, worker: w, epoch: epoch, attempt: attempt, sched: s}
		w.assigned[job.id] = a
		w.assignments <- a

		s.logger.Info("job dispatched", "job_id", job.id, "worker_id", w.id, "attempt", attempt, "free", w.free())
		events = append(events, model.JobEvent{Job: job.Snapshot()})
	}
	if n := s.queue.len(); n > 0 {
		s.logger.Debug("jobs waiting for a free slot", "queued", n)
	}
	return events
}

// disconnect requeues the worker's in-flight jobs and drops its tracker
// entry. Runs at most once per registration.
func (s *Scheduler) disconnect(w *WorkerConn) {
	s.mu.Lock()
	if w.removed {
		s.mu.Unlock()
		return
	}
	w.removed = true
	s.tracker.remove(w)

	var events []model.JobEvent
	var requeued []string
	for id, a := range w.assigned {
		delete(w.assigned, id)
		info, ok := a.job.requeue(a.epoch)
		if !ok {
			continue
		}
		s.queue.insert(a.job)
		requeued = append(requeued, id)
		events = append(events, model.JobEvent{Job: info})
	}
	close(w.assignments)
	events = append(events, s.dispatchLocked()...)
	info := w.infoLocked()
	s.mu.Unlock()

	for _, id := range requeued {
		s.logger.Warn("job requeued after worker loss", "job_id", id, "worker_id", w.id)
	}
	s.logger.Info("worker disconnected", "worker_id", w.id, "requeued", len(requeued))
	s.emitWorker(model.WorkerEvent{Worker: info, Connected: false, Time: s.now()})
	s.emitJobs(events)
}

// jobFinished frees the slot held by a completed assignment, drops the
// scheduler's reference to the job and runs a matching pass.
func (s *Scheduler) jobFinished(a *Assignment, terminal model.JobEvent) {
	s.mu.Lock()
	if cur, ok := a.worker.assigned[a.job.id]; ok && cur == a {
		delete(a.worker.assigned, a.job.id)
	}
	own := s.jobs[a.job.id]
	delete(s.jobs, a.job.id)
	events := []model.JobEvent{terminal}
	events = append(events, s.dispatchLocked()...)
	s.mu.Unlock()

	if own != nil {
		if err := own.Release(); err != nil {
			s.logger.Error("release job reference", "job_id", a.job.id, "error", err)
		}
	}
	s.logger.Info("job finished", "job_id", a.job.id, "worker_id", a.worker.id, "state", terminal.Job.State)
	s.emitJobs(events)
}

func (s *Scheduler) emitJobs(events []model.JobEvent) {
	if s.observer == nil {
		return
	}
	for _, ev := range events {
		s.observer.JobChanged(ev)
	}
}

func (s *Scheduler) emitWorker(ev model.WorkerEvent) {
	if s.observer != nil {
		s.observer.WorkerChanged(ev)
	}
}
