package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/kiln/pkg/model"
)

// Recorder archives scheduler events. It is safe to call from many
// goroutines; writes happen on a single background goroutine in the order
// the events were received.
type Recorder struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	writes chan func(ctx context.Context) error
	done   chan struct{}
}

// NewRecorder starts a Recorder writing to st. buffer bounds how many
// pending writes may queue up before callers block.
func NewRecorder(st Store, logger *slog.Logger, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	r := &Recorder{
		store:  st,
		logger: logger.With("component", "recorder"),
		writes: make(chan func(ctx context.Context) error, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// JobChanged archives the job view. Terminal events also carry the final log.
func (r *Recorder) JobChanged(ev model.JobEvent) {
	r.enqueue(func(ctx context.Context) error {
		return r.store.SaveJob(ctx, ev.Job, ev.Log)
	})
}

// WorkerChanged archives a worker session.
func (r *Recorder) WorkerChanged(ev model.WorkerEvent) {
	ws := &model.WorkerSession{
		ID:          ev.Worker.ID,
		Name:        ev.Worker.Name,
		Hostname:    ev.Worker.Hostname,
		Capacity:    ev.Worker.Capacity,
		ConnectedAt: ev.Worker.ConnectedAt,
	}
	if !ev.Connected {
		t := ev.Time
		ws.DisconnectedAt = &t
	}
	r.enqueue(func(ctx context.Context) error {
		return r.store.SaveWorkerSession(ctx, ws)
	})
}

// JobReleased records that the job's last live reference was dropped.
func (r *Recorder) JobReleased(id string, at time.Time) {
	r.enqueue(func(ctx context.Context) error {
		return r.store.MarkReleased(ctx, id, at)
	})
}

// Close stops accepting events and waits until every queued write is done.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.writes)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) enqueue(fn func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Debug("event dropped after close")
		return
	}
	r.writes <- fn
}

func (r *Recorder) run() {
	defer close(r.done)
	for fn := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := fn(ctx); err != nil {
			r.logger.Error("archive write failed", "error", err)
		}
		cancel()
	}
}
