package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/kiln/internal/config"
	"github.com/me/kiln/pkg/model"
)

// Worker holds a registration open with the server, runs the builds it is
// assigned and reports their output and outcome back.
type Worker struct {
	cfg     config.WorkerConfig
	client  *Client
	runtime Runtime
	logger  *slog.Logger
}

// New creates a Worker from configuration.
func New(cfg config.WorkerConfig, logger *slog.Logger) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	rt, err := NewRuntime(cfg.Runtime)
	if err != nil {
		return nil, err
	}
	return newWorker(cfg, NewClient(cfg.Server), rt, logger), nil
}

func newWorker(cfg config.WorkerConfig, client *Client, rt Runtime, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		client:  client,
		runtime: rt,
		logger:  logger.With("component", "worker"),
	}
}

// Run registers with the server and processes assignments until ctx is
// cancelled. A lost registration is retried with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create workdir %s: %w", w.cfg.WorkDir, err)
	}

	backoff := w.cfg.MinBackoff
	for {
		registered, err := w.session(ctx)
		if ctx.Err() != nil {
			w.logger.Info("shutting down")
			return nil
		}
		if registered {
			backoff = w.cfg.MinBackoff
		}
		w.logger.Warn("registration lost, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			w.logger.Info("shutting down")
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, w.cfg.MaxBackoff)
	}
}

// session runs one registration. It reports whether the server accepted the
// registration, and returns once the stream ends and every build started
// under it has stopped.
func (w *Worker) session(ctx context.Context) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := w.client.Register(sctx, RegisterRequest{
		Name:     w.cfg.Name,
		Hostname: w.cfg.Hostname,
		Capacity: w.cfg.Capacity,
	})
	if err != nil {
		return false, err
	}
	defer stream.Close()

	reg := stream.Registration
	logger := w.logger.With("worker_id", reg.WorkerID)
	logger.Info("registered with server", "capacity", reg.Capacity, "heartbeat", reg.Heartbeat)

	g, gctx := errgroup.WithContext(sctx)
	g.SetLimit(max(reg.Capacity, 1))

	var streamErr error
	for {
		a, err := stream.Next()
		if err != nil {
			streamErr = err
			break
		}
		logger.Info("job assigned", "job_id", a.JobID, "attempt", a.Attempt)
		g.Go(func() error {
			w.build(gctx, reg.WorkerID, a)
			return nil
		})
	}

	// Builds running under a lost registration have been requeued.
	cancel()
	g.Wait()
	if errors.Is(streamErr, io.EOF) {
		streamErr = errors.New("server closed the registration stream")
	}
	return true, streamErr
}

// build runs one assignment to completion and reports the outcome.
func (w *Worker) build(ctx context.Context, workerID string, a model.Assignment) {
	logger := w.logger.With("worker_id", workerID, "job_id", a.JobID, "attempt", a.Attempt)

	if err := w.client.Start(ctx, workerID, a.JobID); err != nil {
		logger.Warn("start rejected", "error", err)
		if errors.Is(err, ErrAssignmentLost) || ctx.Err() != nil {
			return
		}
		// The job never ran; fail it rather than leave it assigned.
		outcome := model.Outcome{ExitCode: -1, Error: fmt.Sprintf("start build: %v", err)}
		if err := w.complete(ctx, workerID, a.JobID, outcome); err != nil {
			logger.Error("report completion", "error", err)
		}
		return
	}

	bctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := newLogStreamer(bctx, w.cfg.LogFlushSize, w.cfg.LogFlushInterval,
		func(ctx context.Context, p []byte) error {
			return w.client.AppendLog(ctx, workerID, a.JobID, p)
		},
		func(err error) {
			if errors.Is(err, ErrAssignmentLost) {
				cancel()
			}
		},
	)

	started := time.Now()
	outcome := w.run(bctx, a, out)
	flushErr := out.Close()

	switch {
	case ctx.Err() != nil:
		logger.Info("build abandoned", "reason", "registration lost")
		return
	case errors.Is(flushErr, ErrAssignmentLost):
		logger.Warn("assignment lost during build", "error", flushErr)
		return
	case flushErr != nil:
		logger.Warn("build output incomplete", "error", flushErr)
	}

	if err := w.complete(ctx, workerID, a.JobID, outcome); err != nil {
		logger.Error("report completion", "error", err)
		return
	}
	logger.Info("build finished",
		"succeeded", outcome.Succeeded(),
		"exit_code", outcome.ExitCode,
		"duration", time.Since(started).Round(time.Millisecond),
	)
}

// complete reports the outcome, retrying transient failures. A build that
// already ran is not thrown away over a network hiccup.
func (w *Worker) complete(ctx context.Context, workerID, jobID string, outcome model.Outcome) error {
	delay := logRetryMin
	for attempt := 1; ; attempt++ {
		err := w.client.Complete(ctx, workerID, jobID, outcome)
		if err == nil || errors.Is(err, ErrAssignmentLost) || attempt >= logDrainAttempts {
			return err
		}
		w.logger.Warn("report completion failed, retrying", "job_id", jobID, "attempt", attempt, "retry_in", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, logRetryMax)
	}
}

// run executes the build in a scratch directory that is removed afterwards.
func (w *Worker) run(ctx context.Context, a model.Assignment, out io.Writer) model.Outcome {
	dir, err := os.MkdirTemp(w.cfg.WorkDir, "kiln-"+a.JobID+"-")
	if err != nil {
		return model.Outcome{ExitCode: -1, Error: fmt.Sprintf("create build dir: %v", err)}
	}
	defer os.RemoveAll(dir)

	code, err := w.runtime.Build(ctx, BuildSpec{
		JobID:      a.JobID,
		Descriptor: a.Descriptor,
		CacheHint:  a.CacheHint,
		Dir:        dir,
	}, out)
	if err != nil {
		return model.Outcome{ExitCode: code, Error: err.Error()}
	}
	return model.Outcome{ExitCode: code}
}
