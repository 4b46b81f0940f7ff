package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/uplink/internal/dbx"
)

// SQLiteJobLocker implements JobLocker over the job_locks table. A lease row
// keyed by job name is the durable single-flight guard: the upsert below only
// succeeds when the lease is free, expired, or re-taken by the same holder,
// so two drain passes can never run at once even across process restarts.
type SQLiteJobLocker struct {
	db dbx.DBTX
}

func NewSQLiteJobLocker(db dbx.DBTX) *SQLiteJobLocker {
	return &SQLiteJobLocker{db: db}
}

func (l *SQLiteJobLocker) Acquire(ctx context.Context, name, holder string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO job_locks (name, holder, lease_until)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, lease_until = excluded.lease_until
		WHERE job_locks.lease_until < ? OR job_locks.holder = excluded.holder`,
		name, holder, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (l *SQLiteJobLocker) Release(ctx context.Context, name, holder string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release job lock %s: %w", name, err)
	}
	return nil
}

// PostgresJobLocker is the lease guard for the shared-ledger backend.
type PostgresJobLocker struct {
	db dbx.DBTX
}

func NewPostgresJobLocker(db dbx.DBTX) *PostgresJobLocker {
	return &PostgresJobLocker{db: db}
}

func (l *PostgresJobLocker) Acquire(ctx context.Context, name, holder string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO job_locks (name, holder, lease_until)
		VALUES ($1, $2, $3)
		ON CONFLICT(name) DO UPDATE SET holder = EXCLUDED.holder, lease_until = EXCLUDED.lease_until
		WHERE job_locks.lease_until < $4 OR job_locks.holder = EXCLUDED.holder`,
		name, holder, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire job lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (l *PostgresJobLocker) Release(ctx context.Context, name, holder string) error {
	_, err := l.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release job lock %s: %w", name, err)
	}
	return nil
}
