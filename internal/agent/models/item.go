// Package models defines the upload ledger types and their lifecycle states.
package models

import "time"

// UploadState is the lifecycle state of an UploadItem.
type UploadState string

const (
	StateQueued     UploadState = "QUEUED"
	StateProcessing UploadState = "PROCESSING"
	StateUploading  UploadState = "UPLOADING"
	StateCompleted  UploadState = "COMPLETED"
	StateFailed     UploadState = "FAILED"
	StateCancelled  UploadState = "CANCELLED"
)

// Terminal reports whether no further lifecycle transition is allowed.
// A COMPLETED item may still progress its pending-delete status.
func (s UploadState) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// ErrorKind classifies the last failure recorded on an item.
type ErrorKind string

const (
	ErrorKindNone          ErrorKind = ""
	ErrorKindNetwork       ErrorKind = "NETWORK"
	ErrorKindIO            ErrorKind = "IO"
	ErrorKindHTTP          ErrorKind = "HTTP"
	ErrorKindRemoteFailure ErrorKind = "REMOTE_FAILURE"
	ErrorKindUnexpected    ErrorKind = "UNEXPECTED"
)

// DeleteStatus tracks the post-upload source cleanup negotiation.
type DeleteStatus string

const (
	DeleteNone      DeleteStatus = "NONE"
	DeletePending   DeleteStatus = "PENDING"
	DeleteConfirmed DeleteStatus = "CONFIRMED"
	DeleteDeclined  DeleteStatus = "DECLINED"
)

// UploadItem is one row of the upload ledger: a single logical upload
// attempt for a piece of local content.
//
// IdempotencyKey is a pure function of the content bytes and never changes
// once the item exists. State mutations go through conditional updates in the
// queue repository; nothing mutates an item in place outside of it.
type UploadItem struct {
	ID             string
	SourceRef      string
	DisplayName    string
	SizeBytes      int64
	IdempotencyKey string
	State          UploadState

	LastErrorKind     ErrorKind
	LastErrorHTTPCode int
	LastErrorMessage  string

	ServerUploadID string

	PendingDelete    DeleteStatus
	DeleteToken      string
	DeletePromptedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
