package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/me/kiln/pkg/model"
)

// Job is a single build request: an immutable descriptor plus an append-only
// log and a status that only the current assignment may advance.
//
// Job state has its own lock, independent of the scheduler's. Readers block
// on a per-job notification channel that is closed and replaced on every
// change, so any number of readers can wait without polling.
type Job struct {
	id         string
	descriptor string
	cacheHint  string
	seq        uint64
	createdAt  time.Time

	mu          sync.Mutex
	changed     chan struct{}
	log         []byte
	state       model.JobState
	workerID    string
	epoch       uint64
	attempt     int
	revision    uint64
	result      *model.Result
	startedAt   *time.Time
	completedAt *time.Time
	released    bool
}

func newJob(id, descriptor, cacheHint string, seq uint64, now time.Time) *Job {
	return &Job{
		id:         id,
		descriptor: descriptor,
		cacheHint:  cacheHint,
		seq:        seq,
		createdAt:  now,
		changed:    make(chan struct{}),
		state:      model.JobStateQueued,
		revision:   1,
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// Descriptor returns the build descriptor.
func (j *Job) Descriptor() string { return j.descriptor }

// CacheHint returns the opaque cache-affinity string.
func (j *Job) CacheHint() string { return j.cacheHint }

// State returns the current state without blocking.
func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Snapshot returns a point-in-time view of the job.
func (j *Job) Snapshot() model.JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.infoLocked()
}

func (j *Job) infoLocked() model.JobInfo {
	info := model.JobInfo{
		ID:          j.id,
		Descriptor:  j.descriptor,
		CacheHint:   j.cacheHint,
		State:       j.state,
		WorkerID:    j.workerID,
		Attempt:     j.attempt,
		Revision:    j.revision,
		LogSize:     int64(len(j.log)),
		CreatedAt:   j.createdAt,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
	if j.result != nil {
		r := *j.result
		info.Result = &r
	}
	return info
}

// ReadLog returns every log byte from offset onward. When nothing new is
// available it blocks until the log grows, the job terminates, or ctx is done.
// An empty chunk with next == offset means the job has finished and the
// caller has seen the whole log.
func (j *Job) ReadLog(ctx context.Context, offset int64) ([]byte, int64, error) {
	if offset < 0 {
		return nil, offset, ErrInvalidOffset
	}
	for {
		j.mu.Lock()
		if j.released {
			j.mu.Unlock()
			return nil, offset, ErrReleased
		}
		size := int64(len(j.log))
		if offset > size {
			j.mu.Unlock()
			return nil, offset, fmt.Errorf("%w: offset %d, log size %d", ErrInvalidOffset, offset, size)
		}
		if offset < size {
			chunk := make([]byte, size-offset)
			copy(chunk, j.log[offset:])
			j.mu.Unlock()
			return chunk, size, nil
		}
		if j.state.IsTerminal() {
			j.mu.Unlock()
			return nil, offset, nil
		}
		wait := j.changed
		j.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, offset, ctx.Err()
		}
	}
}

// Status blocks until the job reaches a terminal state and returns its
// result. Every call after termination returns the same value.
func (j *Job) Status(ctx context.Context) (model.Result, error) {
	for {
		j.mu.Lock()
		if j.released {
			j.mu.Unlock()
			return model.Result{}, ErrReleased
		}
		if j.result != nil {
			r := *j.result
			j.mu.Unlock()
			return r, nil
		}
		wait := j.changed
		j.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
}

// notifyLocked wakes every waiting reader. Caller holds j.mu.
func (j *Job) notifyLocked() {
	close(j.changed)
	j.changed = make(chan struct{})
}

func (j *Job) appendLocked(p []byte) {
	j.log = append(j.log, p...)
}

// appendLineLocked writes a status line, first terminating any partial line
// left by build output.
func (j *Job) appendLineLocked(format string, args ...any) {
	if n := len(j.log); n > 0 && j.log[n-1] != '\n' {
		j.log = append(j.log, '\n')
	}
	j.log = append(j.log, fmt.Sprintf("==> "+format+"\n", args...)...)
}

func (j *Job) transitionLocked(next model.JobState) error {
	if !j.state.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "job",
			ID:     j.id,
			From:   string(j.state),
			To:     string(next),
		}
	}
	j.state = next
	j.revision++
	return nil
}

// assign moves a queued job to the given worker and returns the epoch that
// identifies this assignment.
func (j *Job) assign(workerID string) (epoch uint64, attempt int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(model.JobStateAssigned); err != nil {
		return 0, 0, err
	}
	j.epoch++
	j.attempt++
	j.workerID = workerID
	j.notifyLocked()
	return j.epoch, j.attempt, nil
}

func (j *Job) checkEpochLocked(epoch uint64) error {
	if j.released {
		return ErrReleased
	}
	if epoch != j.epoch || j.state.IsTerminal() || j.state == model.JobStateQueued {
		return ErrStaleAssignment
	}
	return nil
}

// start marks the job running and records the build-start line.
func (j *Job) start(epoch uint64, now time.Time) (model.JobInfo, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkEpochLocked(epoch); err != nil {
		return model.JobInfo{}, err
	}
	if err := j.transitionLocked(model.JobStateRunning); err != nil {
		return model.JobInfo{}, err
	}
	j.startedAt = &now
	j.appendLineLocked("build started on worker %s (attempt %d)", j.workerID, j.attempt)
	j.notifyLocked()
	return j.infoLocked(), nil
}

// appendLog adds build output to the log.
func (j *Job) appendLog(epoch uint64, p []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkEpochLocked(epoch); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	j.appendLocked(p)
	j.notifyLocked()
	return nil
}

// finish records the outcome line and moves the job to its terminal state.
// It returns the terminal view and a copy of the full log.
func (j *Job) finish(epoch uint64, outcome model.Outcome, now time.Time) (model.JobEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.checkEpochLocked(epoch); err != nil {
		return model.JobEvent{}, err
	}

	next := model.JobStateFailed
	if outcome.Succeeded() {
		next = model.JobStateSucceeded
	}
	if err := j.transitionLocked(next); err != nil {
		return model.JobEvent{}, err
	}
	if next == model.JobStateSucceeded {
		j.appendLineLocked("build succeeded")
	} else {
		j.appendLineLocked("build failed: %s", outcome.Detail())
	}
	result := model.ResultFromOutcome(outcome)
	j.result = &result
	j.completedAt = &now
	j.notifyLocked()

	logCopy := make([]byte, len(j.log))
	copy(logCopy, j.log)
	return model.JobEvent{Job: j.infoLocked(), Log: logCopy}, nil
}

// requeue returns a non-terminal job to the queue after its worker was lost.
// It reports false when the assignment already ended, which is how a
// completion racing a disconnect wins exactly once.
func (j *Job) requeue(epoch uint64) (model.JobInfo, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.checkEpochLocked(epoch) != nil {
		return model.JobInfo{}, false
	}
	lost := j.workerID
	if err := j.transitionLocked(model.JobStateQueued); err != nil {
		return model.JobInfo{}, false
	}
	j.epoch++
	j.workerID = ""
	j.startedAt = nil
	j.appendLineLocked("worker %s lost; job requeued", lost)
	j.notifyLocked()
	return j.infoLocked(), true
}

// markReleased runs when the last handle to the job is dropped.
func (j *Job) markReleased() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.released = true
	j.notifyLocked()
}
