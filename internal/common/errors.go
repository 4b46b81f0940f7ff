// Package common defines shared constants and sentinel errors used across
// the upload agent. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrStateConflict = errors.New("state conflict")

	// Credential errors.
	ErrNotPaired = errors.New("device not paired")

	// Transfer/poll flow control.
	ErrCancelled = errors.New("cancelled")

	// Generic internal failure.
	ErrInternal = errors.New("internal error")
)
