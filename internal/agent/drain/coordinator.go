// Package drain orchestrates upload batches: it repairs items stranded by a
// crash, claims queued items one by one, runs each through
// transfer -> poll -> cleanup, and classifies every outcome back into the
// ledger. The coordinator is the only component that mutates item state.
package drain

import (
	"context"
	"errors"
	"sync"

	"github.com/dmitrijs2005/uplink/internal/agent/cleanup"
	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/agent/transport"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/logging"
)

// DefaultBatchSize bounds how many items one drain pass takes on.
const DefaultBatchSize = 5

// Uploader streams one item's content to the server.
type Uploader interface {
	Upload(ctx context.Context, item *models.UploadItem, opener transport.SourceOpener, progress transport.ProgressFunc) (*transport.UploadResult, error)
}

// StatusWaiter blocks until the server settles an accepted upload.
type StatusWaiter interface {
	WaitUntilDone(ctx context.Context, serverUploadID string) error
}

// Finalizer runs the post-completion source cleanup.
type Finalizer interface {
	Finalize(ctx context.Context, item *models.UploadItem) (*cleanup.Prompt, error)
}

// Coordinator drives drain passes. It holds the per-item cancellation
// registry, so a user cancel reaches the in-flight transfer or poll at the
// next chunk or tick.
type Coordinator struct {
	repo      queue.Repository
	uploader  Uploader
	poller    StatusWaiter
	finalizer Finalizer
	opener    transport.SourceOpener
	liveness  LivenessReporter
	log       logging.Logger

	batchSize int
	progress  transport.ProgressFunc

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func NewCoordinator(repo queue.Repository, uploader Uploader, poller StatusWaiter,
	finalizer Finalizer, opener transport.SourceOpener, liveness LivenessReporter,
	log logging.Logger) *Coordinator {
	return &Coordinator{
		repo:      repo,
		uploader:  uploader,
		poller:    poller,
		finalizer: finalizer,
		opener:    opener,
		liveness:  liveness,
		log:       log,
		batchSize: DefaultBatchSize,
		cancels:   map[string]context.CancelCauseFunc{},
	}
}

// SetProgress installs an observer for transfer progress. For UI purposes
// only; no control decision is made from it.
func (c *Coordinator) SetProgress(fn transport.ProgressFunc) {
	c.progress = fn
}

// SetBatchSize overrides how many items one pass takes on.
func (c *Coordinator) SetBatchSize(n int) {
	if n > 0 {
		c.batchSize = n
	}
}

// Cancel aborts the named item if it is currently in flight. Returns false
// when the item is not being processed right now.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	cancel, ok := c.cancels[id]
	c.mu.Unlock()
	if ok {
		cancel(common.ErrCancelled)
	}
	return ok
}

// DrainOnce runs one pass: recovery, then up to batchSize claimed items in
// creation order. It reports whether queued work remains, so the caller
// re-arms exactly once instead of looping unboundedly inside one activation.
func (c *Coordinator) DrainOnce(ctx context.Context) (rearm bool, err error) {
	c.liveness.WorkStarted(ctx)
	defer c.liveness.WorkFinished(ctx)
	defer drainPasses.Inc()

	// Recovery must precede the fetch on every pass: anything left in
	// PROCESSING or UPLOADING belongs to a run that died mid-flight.
	recovered, err := c.repo.RecoverProcessing(ctx)
	if err != nil {
		return false, err
	}
	if recovered > 0 {
		itemsRecovered.Add(float64(recovered))
		c.log.Info(ctx, "recovered stranded items", "count", recovered)
	}

	items, err := c.repo.FetchQueued(ctx, c.batchSize)
	if err != nil {
		return false, err
	}

	for i := range items {
		if ctx.Err() != nil {
			break
		}
		item := &items[i]

		claimed, err := c.repo.Claim(ctx, item.ID)
		if err != nil {
			return false, err
		}
		if !claimed {
			// Lost the CAS to a concurrent run; not ours anymore.
			c.log.Debug(ctx, "item already claimed", "item_id", item.ID)
			continue
		}
		item.State = models.StateProcessing

		if err := c.processItem(ctx, item); err != nil {
			c.log.Error(ctx, "drain pass aborted", "item_id", item.ID, "error", err)
			return false, err
		}
	}

	remaining, err := c.repo.CountQueued(ctx)
	if err != nil {
		return false, err
	}
	queueDepth.Set(float64(remaining))
	return remaining > 0, nil
}

// processItem runs transfer -> poll -> cleanup for one claimed item and
// writes the classified outcome to the ledger. The returned error is only
// for ledger failures; transfer and poll outcomes are absorbed into item
// state.
func (c *Coordinator) processItem(ctx context.Context, item *models.UploadItem) error {
	itemCtx, cancel := context.WithCancelCause(ctx)
	c.register(item.ID, cancel)
	defer func() {
		c.unregister(item.ID)
		cancel(nil)
	}()

	log := c.log.With("item_id", item.ID)

	if err := c.repo.Transition(ctx, item.ID, models.StateProcessing, models.StateUploading); err != nil {
		return err
	}

	res, err := c.uploader.Upload(itemCtx, item, c.opener, c.progress)
	if err != nil {
		return c.classify(ctx, itemCtx, item, models.StateUploading, err, log)
	}

	if err := c.repo.SetServerUploadID(ctx, item.ID, res.ServerUploadID); err != nil {
		return err
	}
	if err := c.repo.Transition(ctx, item.ID, models.StateUploading, models.StateProcessing); err != nil {
		return err
	}
	bytesSent.Add(float64(item.SizeBytes))
	log.Info(ctx, "transfer accepted", "server_upload_id", res.ServerUploadID)

	if err := c.poller.WaitUntilDone(itemCtx, res.ServerUploadID); err != nil {
		return c.classify(ctx, itemCtx, item, models.StateProcessing, err, log)
	}

	if err := c.repo.Transition(ctx, item.ID, models.StateProcessing, models.StateCompleted); err != nil {
		return err
	}
	itemsCompleted.Inc()
	log.Info(ctx, "upload completed")

	// Cleanup runs on the pass context: a user cancel after completion is
	// moot, and its outcome never reverses COMPLETED.
	if _, err := c.finalizer.Finalize(ctx, item); err != nil {
		return err
	}
	return nil
}

// classify maps a transfer or poll error onto the item's next state:
// user cancel -> CANCELLED, process shutdown -> untouched (recovery will
// requeue it), retryable failure -> QUEUED, anything else -> FAILED.
func (c *Coordinator) classify(ctx, itemCtx context.Context, item *models.UploadItem,
	from models.UploadState, cause error, log logging.Logger) error {

	switch {
	case errors.Is(cause, common.ErrCancelled):
		if err := c.repo.Transition(ctx, item.ID, from, models.StateCancelled); err != nil {
			return err
		}
		itemsCancelled.Inc()
		log.Info(ctx, "upload cancelled")
		return nil

	case itemCtx.Err() != nil && !errors.Is(context.Cause(itemCtx), common.ErrCancelled):
		// Shutdown, not a user decision: leave the row in its in-flight
		// state so the next pass's recovery step requeues it.
		log.Info(ctx, "upload interrupted by shutdown", "state", from)
		return nil
	}

	var f *transport.Failure
	if errors.As(cause, &f) {
		next := models.StateFailed
		if f.Retryable {
			next = models.StateQueued
		}
		if err := c.repo.RecordFailure(ctx, item.ID, f.Kind, f.HTTPCode, f.Message, next); err != nil {
			return err
		}
		if f.Retryable {
			itemsRequeued.Inc()
			log.Warn(ctx, "upload requeued", "kind", f.Kind, "http_code", f.HTTPCode, "error", f.Message)
		} else {
			itemsFailed.Inc()
			log.Error(ctx, "upload failed", "kind", f.Kind, "http_code", f.HTTPCode, "error", f.Message)
		}
		return nil
	}

	if err := c.repo.RecordFailure(ctx, item.ID, models.ErrorKindUnexpected, 0, cause.Error(), models.StateFailed); err != nil {
		return err
	}
	itemsFailed.Inc()
	log.Error(ctx, "upload failed unexpectedly", "error", cause)
	return nil
}

func (c *Coordinator) register(id string, cancel context.CancelCauseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels[id] = cancel
}

func (c *Coordinator) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancels, id)
}
