package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/logging"
	"github.com/google/uuid"
)

// DefaultPromptInterval is the minimum delay between re-surfacing the same
// confirmation prompt, so the user is never re-asked faster than they can
// respond.
const DefaultPromptInterval = 5 * time.Second

// Prompt is one pending delete-confirmation request for an external surface.
type Prompt struct {
	ItemID      string
	Token       string
	SourceRef   string
	DisplayName string
}

// Negotiator drives the post-completion cleanup of an item's local source.
// All of its state lives in the ledger, so a prompt that was pending when the
// process died is resumed on the next start.
type Negotiator struct {
	repo           queue.Repository
	deleter        MediaDeleter
	log            logging.Logger
	promptInterval time.Duration
	now            func() time.Time
	newToken       func() string
}

func NewNegotiator(repo queue.Repository, deleter MediaDeleter, log logging.Logger) *Negotiator {
	return &Negotiator{
		repo:           repo,
		deleter:        deleter,
		log:            log,
		promptInterval: DefaultPromptInterval,
		now:            time.Now,
		newToken:       uuid.NewString,
	}
}

// Finalize attempts the source deletion for a freshly completed item. A
// non-nil Prompt means the deletion is awaiting user confirmation. Deleter
// failures are recorded on the item and swallowed: the upload stays
// COMPLETED no matter what happens to the local copy.
func (n *Negotiator) Finalize(ctx context.Context, item *models.UploadItem) (*Prompt, error) {
	outcome, token, err := n.deleter.Delete(ctx, item.SourceRef)
	if err != nil {
		n.log.Warn(ctx, "source cleanup failed", "item_id", item.ID, "error", err)
		if rerr := n.repo.RecordCleanupFailure(ctx, item.ID, err.Error()); rerr != nil {
			return nil, fmt.Errorf("failed to record cleanup failure: %w", rerr)
		}
		return nil, nil
	}

	switch outcome {
	case OutcomeDeleted:
		if err := n.repo.SetPendingDelete(ctx, item.ID, models.DeleteNone, ""); err != nil {
			return nil, err
		}
		n.log.Debug(ctx, "source deleted", "item_id", item.ID)
		return nil, nil

	case OutcomeDeclined:
		if err := n.repo.SetPendingDelete(ctx, item.ID, models.DeleteDeclined, ""); err != nil {
			return nil, err
		}
		n.log.Info(ctx, "source kept, user declined deletion", "item_id", item.ID)
		return nil, nil

	case OutcomeNeedsConfirmation:
		if token == "" {
			token = n.newToken()
		}
		if err := n.repo.SetPendingDelete(ctx, item.ID, models.DeletePending, token); err != nil {
			return nil, err
		}
		if err := n.repo.TouchDeletePrompt(ctx, item.ID, n.now()); err != nil {
			return nil, err
		}
		n.log.Info(ctx, "source deletion awaiting confirmation", "item_id", item.ID, "token", token)
		return &Prompt{
			ItemID:      item.ID,
			Token:       token,
			SourceRef:   item.SourceRef,
			DisplayName: item.DisplayName,
		}, nil

	default:
		return nil, fmt.Errorf("unknown deletion outcome %d: %w", outcome, common.ErrInternal)
	}
}

// Confirm resumes a pending deletion after the user approved it. The item
// finalizes as CONFIRMED once the content is actually gone; if the platform
// still refuses, the prompt stays pending and will be re-surfaced.
func (n *Negotiator) Confirm(ctx context.Context, token string) error {
	item, err := n.findByToken(ctx, token)
	if err != nil {
		return err
	}

	outcome, _, err := n.deleter.Delete(ctx, item.SourceRef)
	if err != nil {
		if rerr := n.repo.RecordCleanupFailure(ctx, item.ID, err.Error()); rerr != nil {
			return fmt.Errorf("failed to record cleanup failure: %w", rerr)
		}
		return fmt.Errorf("confirmed deletion failed: %w", err)
	}

	switch outcome {
	case OutcomeDeleted:
		return n.repo.SetPendingDelete(ctx, item.ID, models.DeleteConfirmed, "")
	case OutcomeDeclined:
		return n.repo.SetPendingDelete(ctx, item.ID, models.DeleteDeclined, "")
	default:
		n.log.Warn(ctx, "deletion still blocked after confirmation", "item_id", item.ID)
		return n.repo.TouchDeletePrompt(ctx, item.ID, n.now())
	}
}

// Decline records the user's refusal. The item stays COMPLETED with the
// source left in place.
func (n *Negotiator) Decline(ctx context.Context, token string) error {
	item, err := n.findByToken(ctx, token)
	if err != nil {
		return err
	}
	return n.repo.SetPendingDelete(ctx, item.ID, models.DeleteDeclined, "")
}

// ResumePending returns the confirmation prompts that are due again: pending
// deletions whose last prompt is older than the minimum interval. Each
// returned prompt has its timestamp bumped so callers can invoke this
// repeatedly without re-prompting in a tight loop.
func (n *Negotiator) ResumePending(ctx context.Context) ([]Prompt, error) {
	items, err := n.repo.FindPendingDeletes(ctx)
	if err != nil {
		return nil, err
	}

	var due []Prompt
	for _, it := range items {
		if !it.DeletePromptedAt.IsZero() && n.now().Sub(it.DeletePromptedAt) < n.promptInterval {
			continue
		}
		if err := n.repo.TouchDeletePrompt(ctx, it.ID, n.now()); err != nil {
			return nil, err
		}
		due = append(due, Prompt{
			ItemID:      it.ID,
			Token:       it.DeleteToken,
			SourceRef:   it.SourceRef,
			DisplayName: it.DisplayName,
		})
	}
	return due, nil
}

func (n *Negotiator) findByToken(ctx context.Context, token string) (*models.UploadItem, error) {
	if token == "" {
		return nil, common.ErrNotFound
	}
	items, err := n.repo.FindPendingDeletes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].DeleteToken == token {
			return &items[i], nil
		}
	}
	return nil, common.ErrNotFound
}
