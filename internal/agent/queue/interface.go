// Package queue implements the durable upload ledger: the only source of
// truth for what needs to happen next. All state changes are conditional
// row updates, so concurrent schedulers are safe without a coarse lock.
package queue

import (
	"context"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
)

// Repository is the upload ledger contract.
//
// Transition-style methods are guarded by the caller's expected prior state
// and return common.ErrStateConflict when the row has moved on; Claim is the
// compare-and-swap used to prevent double-processing.
type Repository interface {
	Create(ctx context.Context, item *models.UploadItem) error
	GetByID(ctx context.Context, id string) (*models.UploadItem, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.UploadItem, error)

	// UpdateSource refreshes the mutable informational fields after a
	// re-scan or a dedup attach.
	UpdateSource(ctx context.Context, id, sourceRef, displayName string, sizeBytes int64) error

	// FetchQueued returns up to limit QUEUED items in creation order.
	FetchQueued(ctx context.Context, limit int) ([]models.UploadItem, error)
	CountQueued(ctx context.Context) (int, error)

	// Claim performs the CAS transition QUEUED -> PROCESSING. Exactly one
	// concurrent caller wins; the others get claimed=false.
	Claim(ctx context.Context, id string) (claimed bool, err error)

	// Transition moves id from one non-terminal state to another, failing
	// with common.ErrStateConflict if the current state differs.
	Transition(ctx context.Context, id string, from, to models.UploadState) error

	// RecoverProcessing unconditionally returns every PROCESSING or
	// UPLOADING item to QUEUED. Runs at the start of each drain pass to
	// repair items stranded by a crash.
	RecoverProcessing(ctx context.Context) (int, error)

	// SetServerUploadID records the id handed out by the server once the
	// transfer was accepted.
	SetServerUploadID(ctx context.Context, id, serverUploadID string) error

	// RecordFailure writes the error fields and moves the item to next
	// (QUEUED for retryable kinds, FAILED for permanent ones) in a single
	// update. Terminal rows are left untouched.
	RecordFailure(ctx context.Context, id string, kind models.ErrorKind, httpCode int, msg string, next models.UploadState) error

	// RecordCleanupFailure writes the error fields without moving the item.
	// Local deletion is best-effort, so its failure is noted on the row but
	// never demotes a COMPLETED upload.
	RecordCleanupFailure(ctx context.Context, id, msg string) error

	// Requeue is the explicit external retry of a FAILED item: back to
	// QUEUED with the error fields cleared.
	Requeue(ctx context.Context, id string) error

	// SetPendingDelete progresses the post-completion cleanup negotiation.
	SetPendingDelete(ctx context.Context, id string, status models.DeleteStatus, token string) error
	TouchDeletePrompt(ctx context.Context, id string, at time.Time) error
	FindPendingDeletes(ctx context.Context) ([]models.UploadItem, error)

	// List returns the whole ledger, newest first, for observers.
	List(ctx context.Context, limit int) ([]models.UploadItem, error)
}

// JobLocker hands out durable named leases so a uniquely named job runs at
// most once system-wide, surviving process restarts.
type JobLocker interface {
	// Acquire takes the named lease for holder until now+lease. It succeeds
	// if the lease is free, expired, or already held by the same holder.
	Acquire(ctx context.Context, name, holder string, lease time.Duration) (bool, error)

	// Release frees the named lease if still held by holder.
	Release(ctx context.Context, name, holder string) error
}
