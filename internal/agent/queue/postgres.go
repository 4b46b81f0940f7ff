package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/dbx"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresRepository is the queue store backend for hub deployments where
// several agents share one ledger. The schema matches the SQLite one; any
// engine with conditional-update semantics satisfies the CAS contract.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// OpenPostgres connects to the shared ledger using the stdlib pgx driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres ledger: %w", err)
	}
	return db, nil
}

func (r *PostgresRepository) Create(ctx context.Context, item *models.UploadItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_items
			(id, source_ref, display_name, size_bytes, idempotency_key, state,
			 pending_delete, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.SourceRef, item.DisplayName, item.SizeBytes, item.IdempotencyKey,
		item.State, models.DeleteNone, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("upload item insert: %w", common.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert upload item: %w", err)
	}
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.UploadItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM upload_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload item: %w", err)
	}
	return it, nil
}

func (r *PostgresRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.UploadItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM upload_items WHERE idempotency_key = $1`, key)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload item by key: %w", err)
	}
	return it, nil
}

func (r *PostgresRepository) UpdateSource(ctx context.Context, id, sourceRef, displayName string, sizeBytes int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET source_ref = $1, display_name = $2, size_bytes = $3, updated_at = $4
		WHERE id = $5`,
		sourceRef, displayName, sizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) FetchQueued(ctx context.Context, limit int) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		WHERE state = $1
		ORDER BY created_at, id
		LIMIT $2`, models.StateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queued items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *PostgresRepository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_items WHERE state = $1`, models.StateQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued items: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		models.StateProcessing, time.Now().UTC(), id, models.StateQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, id string, from, to models.UploadState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`,
		to, time.Now().UTC(), id, from)
	if err != nil {
		return fmt.Errorf("failed to transition item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("transition %s -> %s for item %s: %w", from, to, id, common.ErrStateConflict)
	}
	return nil
}

func (r *PostgresRepository) RecoverProcessing(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = $1, updated_at = $2
		WHERE state IN ($3, $4)`,
		models.StateQueued, time.Now().UTC(), models.StateProcessing, models.StateUploading)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (r *PostgresRepository) SetServerUploadID(ctx context.Context, id, serverUploadID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET server_upload_id = $1, updated_at = $2
		WHERE id = $3`,
		serverUploadID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set server upload id: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) RecordFailure(ctx context.Context, id string, kind models.ErrorKind, httpCode int, msg string, next models.UploadState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET last_error_kind = $1, last_error_http_code = $2, last_error_message = $3,
		    state = $4, updated_at = $5
		WHERE id = $6 AND state NOT IN ($7, $8)`,
		kind, httpCode, truncateMessage(msg), next, time.Now().UTC(),
		id, models.StateCompleted, models.StateCancelled)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RecordCleanupFailure(ctx context.Context, id, msg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET last_error_kind = $1, last_error_http_code = 0, last_error_message = $2,
		    updated_at = $3
		WHERE id = $4`,
		models.ErrorKindIO, truncateMessage(msg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record cleanup failure: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) Requeue(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = $1, last_error_kind = '', last_error_http_code = 0,
		    last_error_message = '', updated_at = $2
		WHERE id = $3 AND state = $4`,
		models.StateQueued, time.Now().UTC(), id, models.StateFailed)
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("requeue of item %s: %w", id, common.ErrStateConflict)
	}
	return nil
}

func (r *PostgresRepository) SetPendingDelete(ctx context.Context, id string, status models.DeleteStatus, token string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET pending_delete = $1, delete_token = $2, updated_at = $3
		WHERE id = $4`,
		status, token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set pending delete: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) TouchDeletePrompt(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET delete_prompted_at = $1, updated_at = $2
		WHERE id = $3`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch delete prompt: %w", err)
	}
	return oneRowAffected(res)
}

func (r *PostgresRepository) FindPendingDeletes(ctx context.Context) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		WHERE state = $1 AND pending_delete = $2
		ORDER BY created_at, id`,
		models.StateCompleted, models.DeletePending)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending deletes: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *PostgresRepository) List(ctx context.Context, limit int) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}
