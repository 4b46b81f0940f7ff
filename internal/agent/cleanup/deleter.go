// Package cleanup removes local source content after the server has
// confirmed processing. Deletion may require an interactive user decision;
// the negotiator persists that pending decision so it survives restarts.
// Cleanup is best-effort and never reverses a completed upload.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Outcome is the result of one media-deletion attempt.
type Outcome int

const (
	// OutcomeDeleted means the source content is gone.
	OutcomeDeleted Outcome = iota

	// OutcomeNeedsConfirmation means the platform requires an interactive
	// user decision before the content can be removed.
	OutcomeNeedsConfirmation

	// OutcomeDeclined means the platform already knows the user refused.
	OutcomeDeclined
)

// MediaDeleter is the external media-deletion capability.
//
// The returned token identifies the platform's confirmation request when the
// outcome is OutcomeNeedsConfirmation; an empty token means the negotiator
// mints its own. A non-nil error is a deletion failure, distinct from the
// three negotiated outcomes.
type MediaDeleter interface {
	Delete(ctx context.Context, ref string) (Outcome, string, error)
}

// OSDeleter treats source references as plain filesystem paths.
type OSDeleter struct{}

func (OSDeleter) Delete(ctx context.Context, ref string) (Outcome, string, error) {
	err := os.Remove(ref)
	switch {
	case err == nil, errors.Is(err, fs.ErrNotExist):
		// Already-gone content counts as deleted.
		return OutcomeDeleted, "", nil
	case errors.Is(err, fs.ErrPermission):
		return OutcomeNeedsConfirmation, "", nil
	default:
		return 0, "", fmt.Errorf("failed to delete source: %w", err)
	}
}
