package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/dbx"
)

const itemColumns = `id, source_ref, display_name, size_bytes, idempotency_key, state,
	last_error_kind, last_error_http_code, last_error_message,
	server_upload_id, pending_delete, delete_token, delete_prompted_at,
	created_at, updated_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func scanItem(row interface{ Scan(dest ...any) error }) (*models.UploadItem, error) {
	var it models.UploadItem
	var promptedAt sql.NullTime
	err := row.Scan(
		&it.ID, &it.SourceRef, &it.DisplayName, &it.SizeBytes, &it.IdempotencyKey, &it.State,
		&it.LastErrorKind, &it.LastErrorHTTPCode, &it.LastErrorMessage,
		&it.ServerUploadID, &it.PendingDelete, &it.DeleteToken, &promptedAt,
		&it.CreatedAt, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if promptedAt.Valid {
		it.DeletePromptedAt = promptedAt.Time
	}
	return &it, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, item *models.UploadItem) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upload_items
			(id, source_ref, display_name, size_bytes, idempotency_key, state,
			 pending_delete, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SourceRef, item.DisplayName, item.SizeBytes, item.IdempotencyKey,
		item.State, models.DeleteNone, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("upload item insert: %w", common.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to insert upload item: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*models.UploadItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM upload_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload item: %w", err)
	}
	return it, nil
}

func (r *SQLiteRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.UploadItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM upload_items WHERE idempotency_key = ?`, key)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find upload item by key: %w", err)
	}
	return it, nil
}

func (r *SQLiteRepository) UpdateSource(ctx context.Context, id, sourceRef, displayName string, sizeBytes int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET source_ref = ?, display_name = ?, size_bytes = ?, updated_at = ?
		WHERE id = ?`,
		sourceRef, displayName, sizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	return oneRowAffected(res)
}

func (r *SQLiteRepository) FetchQueued(ctx context.Context, limit int) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		WHERE state = ?
		ORDER BY created_at, id
		LIMIT ?`, models.StateQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch queued items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *SQLiteRepository) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_items WHERE state = ?`, models.StateQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queued items: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Claim(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
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

func (r *SQLiteRepository) Transition(ctx context.Context, id string, from, to models.UploadState) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
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

func (r *SQLiteRepository) RecoverProcessing(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = ?, updated_at = ?
		WHERE state IN (?, ?)`,
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

func (r *SQLiteRepository) SetServerUploadID(ctx context.Context, id, serverUploadID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET server_upload_id = ?, updated_at = ?
		WHERE id = ?`,
		serverUploadID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set server upload id: %w", err)
	}
	return oneRowAffected(res)
}

func (r *SQLiteRepository) RecordFailure(ctx context.Context, id string, kind models.ErrorKind, httpCode int, msg string, next models.UploadState) error {
	// Error fields and the resulting state land in one update so the record
	// survives a process death immediately after. Terminal rows never move.
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET last_error_kind = ?, last_error_http_code = ?, last_error_message = ?,
		    state = ?, updated_at = ?
		WHERE id = ? AND state NOT IN (?, ?)`,
		kind, httpCode, truncateMessage(msg), next, time.Now().UTC(),
		id, models.StateCompleted, models.StateCancelled)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	// Zero rows means the item is terminal; that is not an error here.
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) RecordCleanupFailure(ctx context.Context, id, msg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET last_error_kind = ?, last_error_http_code = 0, last_error_message = ?,
		    updated_at = ?
		WHERE id = ?`,
		models.ErrorKindIO, truncateMessage(msg), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record cleanup failure: %w", err)
	}
	return oneRowAffected(res)
}

func (r *SQLiteRepository) Requeue(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET state = ?, last_error_kind = '', last_error_http_code = 0,
		    last_error_message = '', updated_at = ?
		WHERE id = ? AND state = ?`,
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

func (r *SQLiteRepository) SetPendingDelete(ctx context.Context, id string, status models.DeleteStatus, token string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET pending_delete = ?, delete_token = ?, updated_at = ?
		WHERE id = ?`,
		status, token, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set pending delete: %w", err)
	}
	return oneRowAffected(res)
}

func (r *SQLiteRepository) TouchDeletePrompt(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE upload_items
		SET delete_prompted_at = ?, updated_at = ?
		WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch delete prompt: %w", err)
	}
	return oneRowAffected(res)
}

func (r *SQLiteRepository) FindPendingDeletes(ctx context.Context) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		WHERE state = ? AND pending_delete = ?
		ORDER BY created_at, id`,
		models.StateCompleted, models.DeletePending)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending deletes: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]models.UploadItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM upload_items
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]models.UploadItem, error) {
	var out []models.UploadItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan upload item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func oneRowAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return common.ErrNotFound
	}
	return nil
}

// The modernc driver reports constraint breaches only through the error
// text, so string matching is the only handle available.
func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func truncateMessage(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
