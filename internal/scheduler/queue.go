package scheduler

import (
	"cmp"
	"slices"
)

// dispatchQueue holds queued jobs ordered by submission sequence.
// It is only touched with the scheduler lock held.
type dispatchQueue struct {
	jobs []*Job
}

func (q *dispatchQueue) len() int { return len(q.jobs) }

// push appends a newly submitted job. Sequence numbers only grow, so the
// queue stays sorted.
func (q *dispatchQueue) push(j *Job) {
	q.jobs = append(q.jobs, j)
}

// insert puts a requeued job back at the position its submission sequence
// dictates, ahead of everything submitted after it.
func (q *dispatchQueue) insert(j *Job) {
	i, _ := slices.BinarySearchFunc(q.jobs, j.seq, func(e *Job, seq uint64) int {
		return cmp.Compare(e.seq, seq)
	})
	q.jobs = slices.Insert(q.jobs, i, j)
}

// pop removes and returns the oldest queued job, or nil.
func (q *dispatchQueue) pop() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return j
}

func (q *dispatchQueue) ids() []string {
	ids := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		ids[i] = j.id
	}
	return ids
}
