package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is an in-flight transaction.
type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// BuilderStore handles persistence of builder records.
type BuilderStore interface {
	// ListBuilders returns every registered builder.
	ListBuilders(ctx context.Context) ([]Builder, error)

	// GetBuilderByName returns one builder or ErrNotFound.
	GetBuilderByName(ctx context.Context, name string) (*Builder, error)

	// SetBuilderCleanStatus moves a builder between dirty/cleaning/clean.
	SetBuilderCleanStatus(ctx context.Context, tx DBTransaction, id int64, cs CleanStatus) error

	// RecordBuilderVersion persists the software version a worker reported.
	RecordBuilderVersion(ctx context.Context, id int64, version string) error

	// IncrementBuilderFailure bumps the failure counter and returns the
	// new value.
	IncrementBuilderFailure(ctx context.Context, tx DBTransaction, id int64) (int, error)

	// ResetBuilderFailure zeroes the failure counter.
	ResetBuilderFailure(ctx context.Context, id int64) error

	// DisableBuilder clears builderok and records a failure note. The
	// orchestrator never re-enables a builder; see EnableBuilder.
	DisableBuilder(ctx context.Context, tx DBTransaction, id int64, notes string) error

	// EnableBuilder restores builderok and clears counters/notes. Used
	// by the operator CLI only.
	EnableBuilder(ctx context.Context, name string) error
}

// JobStore handles persistence of queued jobs and their builds.
type JobStore interface {
	// ListAttachedJobs returns every job currently owned by a builder,
	// with the owning build joined in.
	ListAttachedJobs(ctx context.Context) ([]Job, error)

	// ListCandidateJobs returns unattached WAITING jobs ordered by
	// descending score.
	ListCandidateJobs(ctx context.Context) ([]Job, error)

	// AttachJob marks a job RUNNING, assigns it to a builder with a
	// fresh cookie and dirties the builder, all in one transaction.
	AttachJob(ctx context.Context, jobID uuid.UUID, builderID int64, cookie string) error

	// JobBuilder returns the builder currently owning a job (nil if
	// unattached). Used to re-check attachment after a dispatch race.
	JobBuilder(ctx context.Context, jobID uuid.UUID) (*int64, error)

	// RequeueJob detaches a job and returns it to WAITING with a clear
	// cookie and start time.
	RequeueJob(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error

	// MarkJobCancelled finalizes a cancelling job and detaches it.
	MarkJobCancelled(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error

	// DetachJob removes a job from the queue without touching its build.
	DetachJob(ctx context.Context, tx DBTransaction, jobID uuid.UUID) error

	// FailBuild moves a build to its failed terminal status and removes
	// the job from the queue.
	FailBuild(ctx context.Context, tx DBTransaction, jobID, buildID uuid.UUID) error

	// IncrementBuildFailure bumps the build failure counter and returns
	// the new value.
	IncrementBuildFailure(ctx context.Context, tx DBTransaction, buildID uuid.UUID) (int, error)

	// ResetBuildFailure zeroes the build failure counter.
	ResetBuildFailure(ctx context.Context, buildID uuid.UUID) error

	// UpdateLogTails writes buffered log tails in one batched statement.
	UpdateLogTails(ctx context.Context, tails map[uuid.UUID]string) error

	// CountQueuedJobs returns the number of unattached WAITING jobs.
	CountQueuedJobs(ctx context.Context) (int64, error)
}

// Store is the full persistence surface of the orchestrator.
type Store interface {
	BuilderStore
	JobStore

	// Begin opens a transaction for verdict application.
	Begin(ctx context.Context) (Tx, error)
}
