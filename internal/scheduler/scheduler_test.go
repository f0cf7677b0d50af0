package scheduler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/kiln/internal/handle"
	"github.com/me/kiln/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dockerfile = "FROM alpine:3.20\nRUN echo hello\n"

func testScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	s := New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func register(t *testing.T, s *Scheduler, capacity int) (*handle.Handle[*WorkerConn], *WorkerConn) {
	t.Helper()
	h, err := s.Register(context.Background(), WorkerSpec{Name: "builder", Hostname: "localhost", Capacity: capacity})
	require.NoError(t, err)
	w, err := h.Get()
	require.NoError(t, err)
	return h, w
}

func submit(t *testing.T, s *Scheduler) *Job {
	t.Helper()
	h, err := s.Submit(dockerfile, "cache-1")
	require.NoError(t, err)
	j, err := h.Get()
	require.NoError(t, err)
	return j
}

func nextAssignment(t *testing.T, w *WorkerConn) *Assignment {
	t.Helper()
	select {
	case a, ok := <-w.Assignments():
		require.True(t, ok, "assignment channel closed")
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no assignment received")
		return nil
	}
}

func noAssignment(t *testing.T, w *WorkerConn) {
	t.Helper()
	select {
	case a := <-w.Assignments():
		if a != nil {
			t.Fatalf("unexpected assignment of %s", a.Job().ID())
		}
	default:
	}
}

func fullLog(t *testing.T, j *Job) string {
	t.Helper()
	return string(drainLog(t, j, 0))
}

func waitStatus(t *testing.T, j *Job) model.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := j.Status(ctx)
	require.NoError(t, err)
	return r
}

func TestScheduler_SingleWorkerSuccess(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)

	job := submit(t, s)
	a := nextAssignment(t, w)
	assert.Equal(t, job.ID(), a.Job().ID())
	assert.Equal(t, model.JobStateAssigned, job.State())
	assert.Equal(t, dockerfile, a.Message().Descriptor)
	assert.Equal(t, "cache-1", a.Message().CacheHint)

	require.NoError(t, a.Start())
	require.NoError(t, a.AppendLog([]byte("Step 1/2 : FROM alpine:3.20\n")))
	require.NoError(t, a.Complete(model.Outcome{ExitCode: 0}))

	r := waitStatus(t, job)
	assert.True(t, r.Succeeded)

	log := fullLog(t, job)
	assert.Contains(t, log, "==> build started on worker "+w.ID())
	assert.Contains(t, log, "==> build succeeded\n")
	assert.Equal(t, w.Capacity(), s.Workers()[0].Free)
}

func TestScheduler_SingleWorkerFailure(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)

	job := submit(t, s)
	a := nextAssignment(t, w)
	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(model.Outcome{ExitCode: 1}))

	r := waitStatus(t, job)
	assert.False(t, r.Succeeded)
	assert.Equal(t, "exit code 1", r.Detail)
	assert.Contains(t, fullLog(t, job), "==> build failed: exit code 1\n")
}

func TestScheduler_SuccessRequiresStart(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)
	job := submit(t, s)
	a := nextAssignment(t, w)

	err := a.Complete(model.Outcome{})
	var transition *model.InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, string(model.JobStateAssigned), transition.From)
	assert.Equal(t, model.JobStateAssigned, job.State())
	assert.NotContains(t, fullLog(t, job), "build succeeded")

	// A build that could not start may still fail.
	require.NoError(t, a.Complete(model.Outcome{ExitCode: -1, Error: "pull base image: timeout"}))
	r := waitStatus(t, job)
	assert.False(t, r.Succeeded)
	assert.Equal(t, model.JobStateFailed, job.State())
	assert.Contains(t, fullLog(t, job), "==> build failed: pull base image: timeout\n")
	assert.NotContains(t, fullLog(t, job), "build started")
}

func TestScheduler_LateRegistration(t *testing.T) {
	s := testScheduler(t)

	job := submit(t, s)
	assert.Equal(t, model.JobStateQueued, job.State())
	assert.Equal(t, []string{job.ID()}, s.Stats().Queued)

	_, w := register(t, s, 1)
	a := nextAssignment(t, w)
	assert.Equal(t, job.ID(), a.Job().ID())
	assert.Empty(t, s.Stats().Queued)

	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(model.Outcome{}))
	assert.True(t, waitStatus(t, job).Succeeded)
}

func TestScheduler_CapacityBound(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 2)

	jobs := []*Job{submit(t, s), submit(t, s), submit(t, s)}
	a1 := nextAssignment(t, w)
	a2 := nextAssignment(t, w)
	noAssignment(t, w)

	assert.Equal(t, jobs[0].ID(), a1.Job().ID())
	assert.Equal(t, jobs[1].ID(), a2.Job().ID())
	assert.Equal(t, model.JobStateQueued, jobs[2].State())
	st := s.Stats()
	assert.Equal(t, []string{jobs[2].ID()}, st.Queued)
	assert.Equal(t, 2, st.InFlight)

	require.NoError(t, a1.Start())
	require.NoError(t, a1.Complete(model.Outcome{}))

	a3 := nextAssignment(t, w)
	assert.Equal(t, jobs[2].ID(), a3.Job().ID())

	require.NoError(t, a2.Start())
	require.NoError(t, a2.Complete(model.Outcome{}))
	require.NoError(t, a3.Start())
	require.NoError(t, a3.Complete(model.Outcome{}))
	for _, j := range jobs {
		assert.True(t, waitStatus(t, j).Succeeded)
	}
}

func TestScheduler_DisconnectThenReregister(t *testing.T) {
	s := testScheduler(t)
	h, w := register(t, s, 1)

	first := submit(t, s)
	a := nextAssignment(t, w)
	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(model.Outcome{}))
	assert.True(t, waitStatus(t, first).Succeeded)

	require.NoError(t, h.Release())
	_, ok := <-w.Assignments()
	assert.False(t, ok, "assignments channel must close on disconnect")
	assert.Empty(t, s.Workers())

	second := submit(t, s)
	assert.Equal(t, model.JobStateQueued, second.State())

	_, w2 := register(t, s, 1)
	a2 := nextAssignment(t, w2)
	assert.Equal(t, second.ID(), a2.Job().ID())
	assert.Equal(t, 1, a2.Attempt())
	require.NoError(t, a2.Start())
	require.NoError(t, a2.Complete(model.Outcome{}))
	assert.True(t, waitStatus(t, second).Succeeded)
	assert.Equal(t, model.JobStateSucceeded, first.State())
}

func TestScheduler_InFlightJobRequeuedOnDisconnect(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)

	job := submit(t, s)
	a := nextAssignment(t, w)
	require.NoError(t, a.Start())
	require.NoError(t, a.AppendLog([]byte("half way\n")))

	w.Close()
	assert.Equal(t, model.JobStateQueued, job.State())
	assert.Equal(t, []string{job.ID()}, s.Stats().Queued)
	assert.ErrorIs(t, a.Complete(model.Outcome{}), ErrStaleAssignment)
	assert.ErrorIs(t, a.AppendLog([]byte("late")), ErrStaleAssignment)

	_, w2 := register(t, s, 1)
	a2 := nextAssignment(t, w2)
	assert.Equal(t, job.ID(), a2.Job().ID())
	assert.Equal(t, 2, a2.Attempt())
	require.NoError(t, a2.Start())
	require.NoError(t, a2.Complete(model.Outcome{}))

	assert.True(t, waitStatus(t, job).Succeeded)
	log := fullLog(t, job)
	assert.Contains(t, log, "half way\n==> worker "+w.ID()+" lost; job requeued\n")
	assert.Equal(t, 1, strings.Count(log, "==> build succeeded"))
}

func TestScheduler_RequeueKeepsQueuePosition(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)

	a := submit(t, s)
	nextAssignment(t, w)
	b := submit(t, s)
	c := submit(t, s)
	assert.Equal(t, []string{b.ID(), c.ID()}, s.Stats().Queued)

	w.Close()
	assert.Equal(t, []string{a.ID(), b.ID(), c.ID()}, s.Stats().Queued)

	_, w2 := register(t, s, 1)
	assert.Equal(t, a.ID(), nextAssignment(t, w2).Job().ID())
}

func TestScheduler_RegisterContextCancelDisconnects(t *testing.T) {
	s := testScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Register(ctx, WorkerSpec{Name: "ephemeral", Capacity: 1})
	require.NoError(t, err)
	w, _ := h.Get()

	job := submit(t, s)
	nextAssignment(t, w)

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker not disconnected after context cancellation")
	}
	require.Eventually(t, func() bool { return job.State() == model.JobStateQueued }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Workers())
}

func TestScheduler_CompletionRacesDisconnect(t *testing.T) {
	for i := 0; i < 200; i++ {
		s := testScheduler(t)
		_, w := register(t, s, 1)
		job := submit(t, s)
		a := nextAssignment(t, w)
		require.NoError(t, a.Start())

		var wg sync.WaitGroup
		var completeErr error
		wg.Add(2)
		go func() { defer wg.Done(); completeErr = a.Complete(model.Outcome{}) }()
		go func() { defer wg.Done(); w.Close() }()
		wg.Wait()

		queued := s.Stats().Queued
		switch job.State() {
		case model.JobStateSucceeded:
			require.NoError(t, completeErr)
			assert.Empty(t, queued)
		case model.JobStateQueued:
			assert.ErrorIs(t, completeErr, ErrStaleAssignment)
			assert.Equal(t, []string{job.ID()}, queued)
		default:
			t.Fatalf("unexpected state %s", job.State())
		}
	}
}

func TestScheduler_RoundRobinTieBreak(t *testing.T) {
	s := testScheduler(t)
	_, w1 := register(t, s, 2)
	_, w2 := register(t, s, 2)

	var jobs []*Job
	for i := 0; i < 4; i++ {
		jobs = append(jobs, submit(t, s))
	}
	infos := s.Workers()
	require.Len(t, infos, 2)
	assert.Equal(t, w1.ID(), infos[0].ID)
	assert.Equal(t, 0, infos[0].Free)
	assert.Equal(t, 0, infos[1].Free)

	// Workers alternate in registration order.
	assert.Equal(t, jobs[0].ID(), nextAssignment(t, w1).Job().ID())
	assert.Equal(t, jobs[1].ID(), nextAssignment(t, w2).Job().ID())
	assert.Equal(t, jobs[2].ID(), nextAssignment(t, w1).Job().ID())
	assert.Equal(t, jobs[3].ID(), nextAssignment(t, w2).Job().ID())
}

func TestScheduler_LeastLoadedTieBreak(t *testing.T) {
	s := testScheduler(t, WithStrategy(model.StrategyLeastLoaded))
	_, w1 := register(t, s, 1)
	_, w2 := register(t, s, 3)

	j1 := submit(t, s)
	j2 := submit(t, s)
	// Both workers now have one free slot; the earlier registration wins.
	j3 := submit(t, s)

	assert.Equal(t, j1.ID(), nextAssignment(t, w2).Job().ID())
	assert.Equal(t, j2.ID(), nextAssignment(t, w2).Job().ID())
	assert.Equal(t, j3.ID(), nextAssignment(t, w1).Job().ID())

	infos := s.Workers()
	assert.Equal(t, 0, infos[0].Free)
	assert.Equal(t, 1, infos[1].Free)

	j4 := submit(t, s)
	assert.Equal(t, j4.ID(), nextAssignment(t, w2).Job().ID())
}

func TestScheduler_Validation(t *testing.T) {
	s := testScheduler(t)

	_, err := s.Submit("  \n", "")
	assert.ErrorIs(t, err, ErrEmptyDescriptor)

	_, err = s.Register(context.Background(), WorkerSpec{Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
}

func TestScheduler_ClosedRejectsWork(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)
	require.NoError(t, s.Close())

	<-w.Done()
	_, err := s.Submit(dockerfile, "")
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	_, err = s.Register(context.Background(), WorkerSpec{Capacity: 1})
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestScheduler_JobReleasedAfterAllHandles(t *testing.T) {
	s := testScheduler(t)
	_, w := register(t, s, 1)

	h, err := s.Submit(dockerfile, "")
	require.NoError(t, err)
	job, _ := h.Get()
	a := nextAssignment(t, w)
	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(model.Outcome{}))

	// The scheduler dropped its own reference at completion; the client's
	// handle is now the last one.
	assert.Equal(t, 1, h.Refs())
	require.NoError(t, h.Release())

	_, err = h.Get()
	assert.ErrorIs(t, err, ErrReleased)
	_, _, err = job.ReadLog(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReleased)
}

type recordingObserver struct {
	mu      sync.Mutex
	jobs    []model.JobEvent
	workers []model.WorkerEvent
}

func (o *recordingObserver) JobChanged(ev model.JobEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.jobs = append(o.jobs, ev)
}

func (o *recordingObserver) WorkerChanged(ev model.WorkerEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.workers = append(o.workers, ev)
}

func TestScheduler_ObserverEvents(t *testing.T) {
	obs := &recordingObserver{}
	s := testScheduler(t, WithObserver(obs))
	h, w := register(t, s, 1)

	submit(t, s)
	a := nextAssignment(t, w)
	require.NoError(t, a.Start())
	require.NoError(t, a.Complete(model.Outcome{ExitCode: 2}))
	require.NoError(t, h.Release())

	obs.mu.Lock()
	defer obs.mu.Unlock()

	var states []model.JobState
	var last uint64
	for _, ev := range obs.jobs {
		states = append(states, ev.Job.State)
		assert.Greater(t, ev.Job.Revision, last)
		last = ev.Job.Revision
	}
	assert.Equal(t, []model.JobState{
		model.JobStateQueued, model.JobStateAssigned, model.JobStateRunning, model.JobStateFailed,
	}, states)
	assert.Contains(t, string(obs.jobs[3].Log), "==> build failed: exit code 2")

	require.Len(t, obs.workers, 2)
	assert.True(t, obs.workers[0].Connected)
	assert.False(t, obs.workers[1].Connected)
}
