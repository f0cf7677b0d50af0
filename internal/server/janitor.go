package server

import (
	"context"
	"log/slog"
	"time"
)

// Janitor periodically releases the server's handles on jobs that have been
// terminal for longer than the retention window. Reads of an expired job are
// then served from the archive.
type Janitor struct {
	server    *Server
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func newJanitor(s *Server, retention time.Duration) *Janitor {
	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	return &Janitor{
		server:    s,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    s.logger.With("component", "janitor"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the janitor. Blocks until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.logger.Info("janitor started", "interval", j.interval, "retention", j.retention)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	defer close(j.doneCh)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopping (context cancelled)")
			return ctx.Err()
		case <-j.stopCh:
			j.logger.Info("janitor stopping (stop called)")
			return nil
		case <-ticker.C:
			j.Tick()
		}
	}
}

// Stop shuts the janitor down and waits for the current tick to finish.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

// Tick releases every job whose retention has run out and returns how many
// were released.
func (j *Janitor) Tick() int {
	now := j.now()
	ids := j.server.jobs.expired(now, j.retention)
	for _, id := range ids {
		if err := j.server.releaseJob(id, errJobExpired); err != nil {
			j.logger.Error("expire job", "job_id", id, "error", err)
			continue
		}
		j.logger.Debug("job expired", "job_id", id)
	}
	if len(ids) > 0 {
		j.logger.Info("expired terminal jobs", "count", len(ids))
	}
	return len(ids)
}
