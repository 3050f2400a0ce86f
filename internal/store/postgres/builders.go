package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"buildfarm/internal/store"

	"github.com/lib/pq"
)

const builderColumns = `
	id, name, url, virtualized, vm_host, region,
	processors, open_resources, restricted_resources,
	clean_status, builderok, failure_count, fail_notes, version
`

func scanBuilder(row interface {
	Scan(dest ...interface{}) error
}) (*store.Builder, error) {
	var b store.Builder
	err := row.Scan(
		&b.ID, &b.Name, &b.URL, &b.Virtualized, &b.VMHost, &b.Region,
		pq.Array(&b.Processors), pq.Array(&b.OpenResources), pq.Array(&b.RestrictedResources),
		&b.CleanStatus, &b.OK, &b.FailureCount, &b.FailNotes, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBuilders returns every registered builder.
func (s *Store) ListBuilders(ctx context.Context) ([]store.Builder, error) {
	query := fmt.Sprintf("SELECT %s FROM builders ORDER BY name", builderColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list builders: %w", err)
	}
	defer rows.Close()

	var builders []store.Builder
	for rows.Next() {
		b, err := scanBuilder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan builder: %w", err)
		}
		builders = append(builders, *b)
	}
	return builders, rows.Err()
}

// GetBuilderByName returns one builder or store.ErrNotFound.
func (s *Store) GetBuilderByName(ctx context.Context, name string) (*store.Builder, error) {
	query := fmt.Sprintf("SELECT %s FROM builders WHERE name = $1", builderColumns)

	b, err := scanBuilder(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get builder %q: %w", name, err)
	}
	return b, nil
}

// SetBuilderCleanStatus moves a builder between dirty/cleaning/clean.
func (s *Store) SetBuilderCleanStatus(ctx context.Context, tx store.DBTransaction, id int64, cs store.CleanStatus) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx,
		"UPDATE builders SET clean_status = $1 WHERE id = $2", cs, id)
	return err
}

// RecordBuilderVersion persists the software version a worker reported.
func (s *Store) RecordBuilderVersion(ctx context.Context, id int64, version string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE builders SET version = $1 WHERE id = $2", version, id)
	return err
}

// IncrementBuilderFailure bumps the failure counter and returns the new value.
func (s *Store) IncrementBuilderFailure(ctx context.Context, tx store.DBTransaction, id int64) (int, error) {
	executor := s.getExecutor(tx)

	var count int
	err := executor.QueryRowContext(ctx, `
		UPDATE builders
		SET failure_count = failure_count + 1
		WHERE id = $1
		RETURNING failure_count
	`, id).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment builder failure count: %w", err)
	}
	return count, nil
}

// ResetBuilderFailure zeroes the failure counter.
func (s *Store) ResetBuilderFailure(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE builders SET failure_count = 0 WHERE id = $1", id)
	return err
}

// DisableBuilder clears builderok and records a failure note.
func (s *Store) DisableBuilder(ctx context.Context, tx store.DBTransaction, id int64, notes string) error {
	executor := s.getExecutor(tx)
	_, err := executor.ExecContext(ctx, `
		UPDATE builders
		SET builderok = FALSE, fail_notes = $1
		WHERE id = $2
	`, notes, id)
	return err
}

// EnableBuilder restores builderok and clears counters/notes.
func (s *Store) EnableBuilder(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builders
		SET builderok = TRUE, failure_count = 0, fail_notes = NULL, clean_status = $1
		WHERE name = $2
	`, store.CleanStatusDirty, name)
	if err != nil {
		return fmt.Errorf("failed to enable builder %q: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
