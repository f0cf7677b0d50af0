package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/me/kiln/pkg/model"
)

// WorkerSpec describes a worker at registration time.
type WorkerSpec struct {
	Name     string
	Hostname string
	Capacity int
}

// WorkerConn is one registration of a remote worker. Capacity is fixed for
// its lifetime; a worker that wants a different capacity registers again.
//
// Assignments are delivered on a channel buffered to the worker's capacity.
// Since a worker never holds more than capacity assignments, the scheduler
// never blocks pushing to it.
type WorkerConn struct {
	id          string
	name        string
	hostname    string
	capacity    int
	connectedAt time.Time
	sched       *Scheduler

	assignments chan *Assignment
	done        chan struct{}
	closeOnce   sync.Once

	// Guarded by sched.mu.
	assigned map[string]*Assignment
	removed  bool
}

// ID returns the worker's identifier.
func (w *WorkerConn) ID() string { return w.id }

// Name returns the worker's self-reported name.
func (w *WorkerConn) Name() string { return w.name }

// Capacity returns the number of slots declared at registration.
func (w *WorkerConn) Capacity() int { return w.capacity }

// Assignments delivers jobs assigned to this worker. The channel is closed
// once the worker has been disconnected and its jobs requeued.
func (w *WorkerConn) Assignments() <-chan *Assignment { return w.assignments }

// Done is closed when the connection is closed.
func (w *WorkerConn) Done() <-chan struct{} { return w.done }

// Close disconnects the worker. In-flight jobs are requeued before Close
// returns. Safe to call more than once.
func (w *WorkerConn) Close() {
	w.closeOnce.Do(func() { close(w.done) })
	w.sched.disconnect(w)
}

// Assignment returns the worker's current assignment for jobID.
func (w *WorkerConn) Assignment(jobID string) (*Assignment, error) {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	if w.removed {
		return nil, ErrWorkerNotFound
	}
	a, ok := w.assigned[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return a, nil
}

// Info returns the worker's slot usage.
func (w *WorkerConn) Info() model.WorkerInfo {
	w.sched.mu.Lock()
	defer w.sched.mu.Unlock()
	return w.infoLocked()
}

// watch turns cancellation of the transport's context into a disconnect.
func (w *WorkerConn) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		w.Close()
	case <-w.done:
	}
}

func (w *WorkerConn) free() int {
	return w.capacity - len(w.assigned)
}

func (w *WorkerConn) infoLocked() model.WorkerInfo {
	ids := make([]string, 0, len(w.assigned))
	for id := range w.assigned {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return model.WorkerInfo{
		ID:          w.id,
		Name:        w.name,
		Hostname:    w.hostname,
		Capacity:    w.capacity,
		Free:        w.free(),
		Assigned:    ids,
		ConnectedAt: w.connectedAt,
	}
}

// slotTracker keeps connected workers in registration order and chooses
// which one receives the next job. Only touched with the scheduler lock held.
type slotTracker struct {
	workers  []*WorkerConn
	byID     map[string]*WorkerConn
	cursor   int
	strategy model.DispatchStrategy
}

func newSlotTracker(strategy model.DispatchStrategy) *slotTracker {
	if strategy == "" {
		strategy = model.StrategyRoundRobin
	}
	return &slotTracker{
		byID:     make(map[string]*WorkerConn),
		strategy: strategy,
	}
}

func (t *slotTracker) add(w *WorkerConn) {
	t.workers = append(t.workers, w)
	t.byID[w.id] = w
}

func (t *slotTracker) remove(w *WorkerConn) {
	i := slices.Index(t.workers, w)
	if i < 0 {
		return
	}
	t.workers = slices.Delete(t.workers, i, i+1)
	delete(t.byID, w.id)
	if i < t.cursor {
		t.cursor--
	}
	if t.cursor >= len(t.workers) {
		t.cursor = 0
	}
}

func (t *slotTracker) get(id string) *WorkerConn {
	return t.byID[id]
}

// pick returns a worker with at least one free slot, or nil.
func (t *slotTracker) pick() *WorkerConn {
	switch t.strategy {
	case model.StrategyLeastLoaded:
		return t.pickLeastLoaded()
	default:
		return t.pickRoundRobin()
	}
}

// pickRoundRobin scans from the cursor in registration order and advances
// the cursor past the chosen worker.
func (t *slotTracker) pickRoundRobin() *WorkerConn {
	n := len(t.workers)
	for i := 0; i < n; i++ {
		idx := (t.cursor + i) % n
		if w := t.workers[idx]; w.free() > 0 {
			t.cursor = (idx + 1) % n
			return w
		}
	}
	return nil
}

// pickLeastLoaded prefers the most free slots; the earliest registration
// wins ties.
func (t *slotTracker) pickLeastLoaded() *WorkerConn {
	var best *WorkerConn
	for _, w := range t.workers {
		if w.free() > 0 && (best == nil || w.free() > best.free()) {
			best = w
		}
	}
	return best
}
