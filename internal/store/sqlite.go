package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/kiln/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database, and SQLite
	// allows a single writer anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Jobs ---

// SaveJob inserts or updates the archived view of a job. Updates carrying a
// revision not newer than the stored one are ignored, so events applied out
// of order never move a job backwards. A nil log keeps the stored log.
func (s *SQLiteStore) SaveJob(ctx context.Context, info model.JobInfo, log []byte) error {
	s.logger.Debug("sql", "op", "upsert", "table", "jobs", "id", info.ID, "revision", info.Revision)

	var succeeded *bool
	var exitCode *int
	var detail string
	if info.Result != nil {
		succeeded = &info.Result.Succeeded
		exitCode = &info.Result.ExitCode
		detail = info.Result.Detail
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, descriptor, cache_hint, state, worker_id, attempt, revision, log_size,
		                   succeeded, exit_code, detail, log, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state=excluded.state, worker_id=excluded.worker_id, attempt=excluded.attempt,
		   revision=excluded.revision, log_size=excluded.log_size,
		   succeeded=excluded.succeeded, exit_code=excluded.exit_code, detail=excluded.detail,
		   log=COALESCE(excluded.log, jobs.log),
		   started_at=excluded.started_at, completed_at=excluded.completed_at
		 WHERE excluded.revision > jobs.revision`,
		info.ID, info.Descriptor, info.CacheHint, string(info.State), info.WorkerID,
		info.Attempt, int64(info.Revision), info.LogSize,
		succeeded, exitCode, detail, log,
		info.CreatedAt.Format(time.RFC3339Nano), formatTime(info.StartedAt), formatTime(info.CompletedAt),
	)
	return err
}

const jobColumns = `id, descriptor, cache_hint, state, worker_id, attempt, revision, log_size,
	succeeded, exit_code, detail, created_at, started_at, completed_at, released_at`

// GetJob returns the archived job, or nil if it was never recorded.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ArchivedJob, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)

	var log []byte
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+`, log FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row, &log)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job.Log = log
	return job, nil
}

// ListJobs returns archived jobs, newest first, without their logs.
func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.JobInfo, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, string(opts.State))
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var jobs []*model.JobInfo
	for rows.Next() {
		job, err := scanJob(rows, nil)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, &job.Job)
	}
	return jobs, total, rows.Err()
}

// MarkReleased records that every live reference to the job was dropped.
func (s *SQLiteStore) MarkReleased(ctx context.Context, id string, at time.Time) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", id, "released", true)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET released_at = ? WHERE id = ? AND released_at IS NULL`,
		at.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("job %s not found", id)
		}
	}
	return nil
}

// --- Worker sessions ---

// SaveWorkerSession inserts a session or records its disconnect time.
func (s *SQLiteStore) SaveWorkerSession(ctx context.Context, ws *model.WorkerSession) error {
	s.logger.Debug("sql", "op", "upsert", "table", "worker_sessions", "id", ws.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO worker_sessions (id, name, hostname, capacity, connected_at, disconnected_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   disconnected_at=COALESCE(excluded.disconnected_at, worker_sessions.disconnected_at)`,
		ws.ID, ws.Name, ws.Hostname, ws.Capacity,
		ws.ConnectedAt.Format(time.RFC3339Nano), formatTime(ws.DisconnectedAt),
	)
	return err
}

// ListWorkerSessions returns the most recent sessions first.
func (s *SQLiteStore) ListWorkerSessions(ctx context.Context, limit int) ([]*model.WorkerSession, error) {
	s.logger.Debug("sql", "op", "list", "table", "worker_sessions", "limit", limit)
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hostname, capacity, connected_at, disconnected_at
		 FROM worker_sessions ORDER BY connected_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.WorkerSession
	for rows.Next() {
		var ws model.WorkerSession
		var connectedAt string
		var disconnectedAt *string
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Hostname, &ws.Capacity, &connectedAt, &disconnectedAt); err != nil {
			return nil, err
		}
		ws.ConnectedAt, _ = time.Parse(time.RFC3339Nano, connectedAt)
		ws.DisconnectedAt = parseTime(disconnectedAt)
		sessions = append(sessions, &ws)
	}
	return sessions, rows.Err()
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

// scanJob reads a row selected with jobColumns, plus the log column when
// log is non-nil.
func scanJob(row scanner, log *[]byte) (*model.ArchivedJob, error) {
	var job model.ArchivedJob
	info := &job.Job
	var state, createdAt string
	var revision int64
	var succeeded *bool
	var exitCode *int
	var detail string
	var startedAt, completedAt, releasedAt *string

	dest := []any{
		&info.ID, &info.Descriptor, &info.CacheHint, &state, &info.WorkerID,
		&info.Attempt, &revision, &info.LogSize,
		&succeeded, &exitCode, &detail,
		&createdAt, &startedAt, &completedAt, &releasedAt,
	}
	if log != nil {
		dest = append(dest, log)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	info.State = model.JobState(state)
	info.Revision = uint64(revision)
	if succeeded != nil {
		r := model.Result{Succeeded: *succeeded, Detail: detail}
		if exitCode != nil {
			r.ExitCode = *exitCode
		}
		info.Result = &r
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	info.StartedAt = parseTime(startedAt)
	info.CompletedAt = parseTime(completedAt)
	job.ReleasedAt = parseTime(releasedAt)
	job.Released = job.ReleasedAt != nil
	return &job, nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}

func parseTime(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
