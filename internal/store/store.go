package store

import (
	"context"
	"time"

	"github.com/me/kiln/pkg/model"
)

// Store defines the persistence layer for the kiln job archive.
type Store interface {
	// Jobs
	SaveJob(ctx context.Context, info model.JobInfo, log []byte) error
	GetJob(ctx context.Context, id string) (*model.ArchivedJob, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobInfo, int, error)
	MarkReleased(ctx context.Context, id string, at time.Time) error

	// Worker sessions
	SaveWorkerSession(ctx context.Context, ws *model.WorkerSession) error
	ListWorkerSessions(ctx context.Context, limit int) ([]*model.WorkerSession, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
