package model

// JobState represents the lifecycle state of a Job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateAssigned  JobState = "assigned"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
)

// String returns the string representation of the job state.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed state transitions for Jobs.
// The edges back to queued exist only for requeue after worker loss. An
// assigned job may fail without running, when its build could not start,
// but only a running job can succeed.
var ValidJobTransitions = map[JobState][]JobState{
	JobStateQueued:   {JobStateAssigned},
	JobStateAssigned: {JobStateRunning, JobStateFailed, JobStateQueued},
	JobStateRunning:  {JobStateSucceeded, JobStateFailed, JobStateQueued},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s JobState) CanTransitionTo(next JobState) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// DispatchStrategy selects among workers with a free slot.
type DispatchStrategy string

const (
	StrategyRoundRobin  DispatchStrategy = "round-robin"
	StrategyLeastLoaded DispatchStrategy = "least-loaded"
)
