package scheduler

import "github.com/me/kiln/pkg/model"

// Assignment is a worker's write capability for one dispatch of a job.
// Once the job is requeued or finished every method returns
// ErrStaleAssignment, so a worker that lost its connection cannot touch a
// job that has moved on.
type Assignment struct {
	job     *Job
	worker  *WorkerConn
	epoch   uint64
	attempt int
	sched   *Scheduler
}

// Job returns the assigned job.
func (a *Assignment) Job() *Job { return a.job }

// WorkerID returns the id of the worker holding the assignment.
func (a *Assignment) WorkerID() string { return a.worker.id }

// Attempt returns the 1-based dispatch count of the job.
func (a *Assignment) Attempt() int { return a.attempt }

// Message returns the wire form pushed to the worker.
func (a *Assignment) Message() model.Assignment {
	return model.Assignment{
		JobID:      a.job.id,
		Descriptor: a.job.descriptor,
		CacheHint:  a.job.cacheHint,
		Attempt:    a.attempt,
	}
}

// Start marks the build as running.
func (a *Assignment) Start() error {
	info, err := a.job.start(a.epoch, a.sched.now())
	if err != nil {
		return err
	}
	a.sched.emitJobs([]model.JobEvent{{Job: info}})
	return nil
}

// AppendLog adds build output to the job's log.
func (a *Assignment) AppendLog(p []byte) error {
	return a.job.appendLog(a.epoch, p)
}

// Write implements io.Writer over AppendLog.
func (a *Assignment) Write(p []byte) (int, error) {
	if err := a.AppendLog(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Complete records the build outcome, frees the worker's slot and lets the
// scheduler dispatch the next job.
func (a *Assignment) Complete(outcome model.Outcome) error {
	ev, err := a.job.finish(a.epoch, outcome, a.sched.now())
	if err != nil {
		return err
	}
	a.sched.jobFinished(a, ev)
	return nil
}
