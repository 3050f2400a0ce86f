package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"buildfarm/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const jobColumns = `
	q.id, q.build_id, q.status, q.builder_id,
	q.processor, q.virtualized, q.resources, q.job_type, q.score,
	q.build_cookie, q.logtail, q.date_started, q.spec
`

func scanJob(row interface {
	Scan(dest ...interface{}) error
}, withBuild bool) (*store.Job, error) {
	var j store.Job
	dest := []interface{}{
		&j.ID, &j.BuildID, &j.Status, &j.BuilderID,
		&j.Processor, &j.Virtualized, pq.Array(&j.Resources), &j.JobType, &j.Score,
		&j.Cookie, &j.LogTail, &j.DateStarted, &j.Spec,
	}
	var b store.Build
	if withBuild {
		dest = append(dest, &b.ID, &b.Title, &b.Status, &b.FailureCount)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if withBuild {
		j.Build = &b
	}
	return &j, nil
}

// ListAttachedJobs returns every job currently owned by a builder, with
// the owning build joined in.
func (s *Store) ListAttachedJobs(ctx context.Context) ([]store.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s, b.id, b.title, b.status, b.failure_count
		FROM build_queue q
		JOIN builds b ON b.id = q.build_id
		WHERE q.builder_id IS NOT NULL
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list attached jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		j, err := scanJob(rows, true)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attached job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListCandidateJobs returns unattached WAITING jobs ordered by
// descending score.
func (s *Store) ListCandidateJobs(ctx context.Context) ([]store.Job, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM build_queue q
		WHERE q.status = $1 AND q.builder_id IS NULL
		ORDER BY q.score DESC, q.id ASC
	`, jobColumns)

	rows, err := s.db.QueryContext(ctx, query, store.JobStatusWaiting)
	if err != nil {
		return nil, fmt.Errorf("failed to list candidate jobs: %w", err)
	}
	defer rows.Close()

	var jobs []store.Job
	for rows.Next() {
		j, err := scanJob(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// AttachJob marks a job RUNNING, assigns it to a builder with a fresh
// cookie and dirties the builder, all in one transaction. A builder
// with a job attached must always be dirty.
func (s *Store) AttachJob(ctx context.Context, jobID uuid.UUID, builderID int64, cookie string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE build_queue
		SET status = $1, builder_id = $2, build_cookie = $3, date_started = NOW()
		WHERE id = $4 AND builder_id IS NULL AND status = $5
	`, store.JobStatusRunning, builderID, cookie, jobID, store.JobStatusWaiting)
	if err != nil {
		return fmt.Errorf("failed to attach job %s: %w", jobID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Lost the race to a concurrent dispatch.
		return store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE builders SET clean_status = $1 WHERE id = $2",
		store.CleanStatusDirty, builderID)
	if err != nil {
		return fmt.Errorf("failed to dirty builder %d: %w", builderID, err)
	}

	return tx.Commit()
}

// JobBuilder returns the builder currently owning a job.
func (s *Store) JobBuilder(ctx context.Context, jobID uuid.UUID) (*int64, error) {
	var builderID *int64
	err := s.db.QueryRowContext(ctx,
		"SELECT builder_id FROM build_queue WHERE id = $1", jobID).Scan(&builderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return builderID, nil
}

// RequeueJob detaches a job and returns it to WAITING with a clear
// cookie and start time.
func (s *Store) RequeueJob(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE build_queue
		SET status = $1, builder_id = NULL, build_cookie = NULL,
		    date_started = NULL, logtail = ''
		WHERE id = $2
	`, store.JobStatusWaiting, jobID)
	return err
}

// MarkJobCancelled finalizes a cancelling job and detaches it.
func (s *Store) MarkJobCancelled(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE build_queue
		SET status = $1, builder_id = NULL, build_cookie = NULL
		WHERE id = $2
	`, store.JobStatusCancelled, jobID)
	if err != nil {
		return err
	}
	_, err = executor.ExecContext(ctx, `
		UPDATE builds
		SET status = $1
		FROM build_queue q
		WHERE q.id = $2 AND builds.id = q.build_id
	`, store.BuildStatusCancelled, jobID)
	return err
}

// DetachJob removes a job from the queue without touching its build.
func (s *Store) DetachJob(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		"DELETE FROM build_queue WHERE id = $1", jobID)
	return err
}

// FailBuild moves a build to its failed terminal status and removes the
// job from the queue.
func (s *Store) FailBuild(ctx context.Context, tx store.DBTransaction, jobID, buildID uuid.UUID) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		"UPDATE builds SET status = $1 WHERE id = $2",
		store.BuildStatusFailed, buildID)
	if err != nil {
		return fmt.Errorf("failed to fail build %s: %w", buildID, err)
	}
	_, err = executor.ExecContext(ctx,
		"DELETE FROM build_queue WHERE id = $1", jobID)
	return err
}

// IncrementBuildFailure bumps the build failure counter and returns the
// new value.
func (s *Store) IncrementBuildFailure(ctx context.Context, tx store.DBTransaction, buildID uuid.UUID) (int, error) {
	executor := s.getExecutor(tx)

	var count int
	err := executor.QueryRowContext(ctx, `
		UPDATE builds
		SET failure_count = failure_count + 1
		WHERE id = $1
		RETURNING failure_count
	`, buildID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment build failure count: %w", err)
	}
	return count, nil
}

// ResetBuildFailure zeroes the build failure counter.
func (s *Store) ResetBuildFailure(ctx context.Context, buildID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE builds SET failure_count = 0 WHERE id = $1", buildID)
	return err
}

// UpdateLogTails writes buffered log tails in one batched statement.
func (s *Store) UpdateLogTails(ctx context.Context, tails map[uuid.UUID]string) error {
	if len(tails) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(tails))
	texts := make([]string, 0, len(tails))
	for id, text := range tails {
		ids = append(ids, id)
		texts = append(texts, text)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE build_queue AS q
		SET logtail = v.logtail
		FROM (SELECT UNNEST($1::uuid[]) AS id, UNNEST($2::text[]) AS logtail) AS v
		WHERE q.id = v.id
	`, pq.Array(ids), pq.Array(texts))
	if err != nil {
		return fmt.Errorf("failed to flush log tails: %w", err)
	}
	return nil
}

// CountQueuedJobs returns the number of unattached WAITING jobs.
func (s *Store) CountQueuedJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM build_queue WHERE builder_id IS NULL AND status = 'waiting'",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued jobs: %w", err)
	}
	return n, nil
}
