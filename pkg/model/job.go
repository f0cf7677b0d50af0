package model

import (
	"fmt"
	"time"
)

// Outcome is what a worker reports when a build ends.
// A non-empty Error means the build could not be run at all.
type Outcome struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Succeeded reports whether the outcome counts as a successful build.
func (o Outcome) Succeeded() bool {
	return o.ExitCode == 0 && o.Error == ""
}

// Detail returns a human-readable description of a failed outcome.
func (o Outcome) Detail() string {
	if o.Error != "" {
		return o.Error
	}
	if o.ExitCode != 0 {
		return fmt.Sprintf("exit code %d", o.ExitCode)
	}
	return ""
}

// Result is the terminal status of a Job as seen by clients.
type Result struct {
	Succeeded bool   `json:"succeeded"`
	ExitCode  int    `json:"exit_code"`
	Detail    string `json:"detail,omitempty"`
}

// ResultFromOutcome converts a worker outcome into a client-facing result.
func ResultFromOutcome(o Outcome) Result {
	return Result{Succeeded: o.Succeeded(), ExitCode: o.ExitCode, Detail: o.Detail()}
}

// JobInfo is a point-in-time view of a Job.
type JobInfo struct {
	ID          string     `json:"id"`
	Descriptor  string     `json:"descriptor"`
	CacheHint   string     `json:"cache_hint,omitempty"`
	State       JobState   `json:"state"`
	WorkerID    string     `json:"worker_id,omitempty"`
	Attempt     int        `json:"attempt"`
	Revision    uint64     `json:"revision"`
	LogSize     int64      `json:"log_size"`
	Result      *Result    `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobEvent is emitted whenever a Job changes state.
// Log is only populated for terminal events.
type JobEvent struct {
	Job JobInfo `json:"job"`
	Log []byte  `json:"-"`
}

// LogChunk is a slice of a Job's log starting at Offset.
type LogChunk struct {
	Data       []byte `json:"data"`
	Offset     int64  `json:"offset"`
	NextOffset int64  `json:"next_offset"`
	Done       bool   `json:"done"`
}

// Assignment is what the scheduler pushes to a worker.
type Assignment struct {
	JobID      string `json:"job_id"`
	Descriptor string `json:"descriptor"`
	CacheHint  string `json:"cache_hint,omitempty"`
	Attempt    int    `json:"attempt"`
}

// ArchivedJob is the persisted history of a Job. Log holds the final log
// once the job has terminated.
type ArchivedJob struct {
	Job        JobInfo    `json:"job"`
	Log        []byte     `json:"-"`
	Released   bool       `json:"released"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}
