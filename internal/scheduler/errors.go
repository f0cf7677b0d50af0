package scheduler

import (
	"errors"

	"github.com/me/kiln/internal/handle"
)

var (
	// ErrReleased is returned when a Job is read after its last handle was released.
	ErrReleased = handle.ErrReleased

	// ErrStaleAssignment is returned when a worker writes to a job it no longer owns.
	ErrStaleAssignment = errors.New("scheduler: assignment is no longer current")

	// ErrInvalidOffset is returned when a log read starts past the end of the log.
	ErrInvalidOffset = errors.New("scheduler: log offset out of range")

	// ErrEmptyDescriptor is returned when a build is submitted without a descriptor.
	ErrEmptyDescriptor = errors.New("scheduler: descriptor is empty")

	// ErrInvalidCapacity is returned when a worker registers with fewer than one slot.
	ErrInvalidCapacity = errors.New("scheduler: capacity must be at least 1")

	// ErrWorkerNotFound is returned for unknown or disconnected workers.
	ErrWorkerNotFound = errors.New("scheduler: worker not found")

	// ErrJobNotFound is returned when a worker references a job it was never assigned.
	ErrJobNotFound = errors.New("scheduler: job not found")

	// ErrSchedulerClosed is returned after Close.
	ErrSchedulerClosed = errors.New("scheduler: closed")
)
