package drain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dmitrijs2005/uplink/internal/agent/cleanup"
	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/queue"
	"github.com/dmitrijs2005/uplink/internal/agent/transport"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/dmitrijs2005/uplink/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	mu      sync.Mutex
	results map[string]*transport.UploadResult
	errs    map[string]error
	block   chan struct{} // when set, Upload waits for ctx
	calls   []string
}

func (f *fakeUploader) Upload(ctx context.Context, item *models.UploadItem, _ transport.SourceOpener, _ transport.ProgressFunc) (*transport.UploadResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	f.mu.Unlock()

	if f.block != nil {
		close(f.block)
		f.block = nil
		<-ctx.Done()
		if errors.Is(context.Cause(ctx), common.ErrCancelled) {
			return nil, common.ErrCancelled
		}
		return nil, ctx.Err()
	}
	if err, ok := f.errs[item.ID]; ok {
		return nil, err
	}
	if res, ok := f.results[item.ID]; ok {
		return res, nil
	}
	return &transport.UploadResult{ServerUploadID: "srv-" + item.ID}, nil
}

func (f *fakeUploader) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakePoller struct {
	errs map[string]error
}

func (f *fakePoller) WaitUntilDone(ctx context.Context, serverUploadID string) error {
	if f.errs == nil {
		return nil
	}
	return f.errs[serverUploadID]
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeFinalizer) Finalize(ctx context.Context, item *models.UploadItem) (*cleanup.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, item.ID)
	return nil, nil
}

type fixture struct {
	repo      *queue.SQLiteRepository
	uploader  *fakeUploader
	poller    *fakePoller
	finalizer *fakeFinalizer
	coord     *Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := queue.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		repo:      queue.NewSQLiteRepository(db),
		uploader:  &fakeUploader{},
		poller:    &fakePoller{},
		finalizer: &fakeFinalizer{},
	}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.coord = NewCoordinator(f.repo, f.uploader, f.poller, f.finalizer,
		transport.FileOpener{}, NopReporter{}, log)
	return f
}

func enqueue(t *testing.T, repo queue.Repository, id string) {
	t.Helper()
	require.NoError(t, repo.Create(context.Background(), &models.UploadItem{
		ID:             id,
		SourceRef:      "/media/DCIM/" + id + ".jpg",
		DisplayName:    id + ".jpg",
		SizeBytes:      100,
		IdempotencyKey: "upload:" + id,
		State:          models.StateQueued,
	}))
}

func stateOf(t *testing.T, repo queue.Repository, id string) models.UploadState {
	t.Helper()
	it, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return it.State
}

func TestDrainOnce_HappyPath(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")

	rearm, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rearm)

	it, err := f.repo.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, it.State)
	assert.Equal(t, "srv-i1", it.ServerUploadID)
	assert.Equal(t, []string{"i1"}, f.finalizer.calls)
}

func TestDrainOnce_RecoveryRunsFirst(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	enqueue(t, f.repo, "i2")

	// Simulate a crash mid-flight.
	require.NoError(t, f.repo.Transition(ctx, "i1", models.StateQueued, models.StateProcessing))
	require.NoError(t, f.repo.Transition(ctx, "i2", models.StateQueued, models.StateProcessing))
	require.NoError(t, f.repo.Transition(ctx, "i2", models.StateProcessing, models.StateUploading))

	_, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)

	// Both stranded items were requeued and then processed in this pass.
	assert.Equal(t, models.StateCompleted, stateOf(t, f.repo, "i1"))
	assert.Equal(t, models.StateCompleted, stateOf(t, f.repo, "i2"))
	assert.ElementsMatch(t, []string{"i1", "i2"}, f.uploader.uploaded())
}

func TestDrainOnce_RearmIffQueuedRemains(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.coord.batchSize = 2
	for _, id := range []string{"i1", "i2", "i3"} {
		enqueue(t, f.repo, id)
	}

	rearm, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rearm, "one item past the batch must re-arm the pass")

	rearm, err = f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rearm)

	for _, id := range []string{"i1", "i2", "i3"} {
		assert.Equal(t, models.StateCompleted, stateOf(t, f.repo, id))
	}
}

func TestDrainOnce_EmptyQueueDoesNotRearm(t *testing.T) {
	f := setup(t)
	rearm, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rearm)
	assert.Empty(t, f.uploader.uploaded())
}

func TestDrainOnce_RetryableTransferFailureRequeues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	f.uploader.errs = map[string]error{
		"i1": &transport.Failure{Kind: models.ErrorKindNetwork, Message: "connect refused", Retryable: true},
	}

	rearm, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rearm, "a requeued item is queued work")

	it, err := f.repo.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, it.State)
	assert.Equal(t, models.ErrorKindNetwork, it.LastErrorKind)
	assert.Equal(t, "connect refused", it.LastErrorMessage)
	assert.Empty(t, f.finalizer.calls)
}

func TestDrainOnce_PermanentTransferFailureFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	f.uploader.errs = map[string]error{
		"i1": &transport.Failure{Kind: models.ErrorKindHTTP, HTTPCode: 413, Message: "too large"},
	}

	rearm, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.False(t, rearm)

	it, err := f.repo.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, 413, it.LastErrorHTTPCode)
}

func TestDrainOnce_UnexpectedErrorFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	f.uploader.errs = map[string]error{"i1": errors.New("boom")}

	_, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)

	it, err := f.repo.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, models.ErrorKindUnexpected, it.LastErrorKind)
}

func TestDrainOnce_RemoteFailureDuringPoll(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	f.poller.errs = map[string]error{
		"srv-i1": &transport.Failure{Kind: models.ErrorKindRemoteFailure, Message: "corrupt file"},
	}

	_, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)

	it, err := f.repo.GetByID(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, it.State)
	assert.Equal(t, models.ErrorKindRemoteFailure, it.LastErrorKind)
	assert.Equal(t, "srv-i1", it.ServerUploadID)
	assert.Empty(t, f.finalizer.calls, "cleanup must not run for a failed upload")
}

func TestDrainOnce_RetryablePollFailureRequeues(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")
	f.poller.errs = map[string]error{
		"srv-i1": &transport.Failure{Kind: models.ErrorKindHTTP, HTTPCode: 503, Message: "unavailable", Retryable: true},
	}

	_, err := f.coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, stateOf(t, f.repo, "i1"))
}

func TestCancel_MidTransferMarksCancelled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")

	started := make(chan struct{})
	f.uploader.block = started

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.DrainOnce(ctx)
		done <- err
	}()

	<-started
	assert.True(t, f.coord.Cancel("i1"))
	require.NoError(t, <-done)

	assert.Equal(t, models.StateCancelled, stateOf(t, f.repo, "i1"))
	assert.False(t, f.coord.Cancel("i1"), "finished item is no longer cancellable")
}

func TestShutdown_MidTransferLeavesItemRecoverable(t *testing.T) {
	f := setup(t)
	enqueue(t, f.repo, "i1")

	ctx, shutdown := context.WithCancel(context.Background())
	started := make(chan struct{})
	f.uploader.block = started

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.DrainOnce(ctx)
		done <- err
	}()

	<-started
	shutdown()
	require.NoError(t, <-done)

	// Not CANCELLED: the next pass's recovery step requeues it.
	assert.Equal(t, models.StateUploading, stateOf(t, f.repo, "i1"))

	rearm, err := f.coord.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rearm)
	assert.Equal(t, models.StateCompleted, stateOf(t, f.repo, "i1"))
}

// claimLosingRepo simulates a concurrent run winning every CAS.
type claimLosingRepo struct {
	queue.Repository
	attempts int
}

func (r *claimLosingRepo) Claim(ctx context.Context, id string) (bool, error) {
	r.attempts++
	return false, nil
}

func TestDrainOnce_SkipsItemClaimedConcurrently(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	enqueue(t, f.repo, "i1")

	losing := &claimLosingRepo{Repository: f.repo}
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	coord := NewCoordinator(losing, f.uploader, f.poller, f.finalizer,
		transport.FileOpener{}, NopReporter{}, log)

	rearm, err := coord.DrainOnce(ctx)
	require.NoError(t, err)
	assert.True(t, rearm, "the stolen item is still queued from this run's view")

	assert.Equal(t, 1, losing.attempts)
	assert.Empty(t, f.uploader.uploaded(), "a lost claim must not be processed")
	assert.Equal(t, models.StateQueued, stateOf(t, f.repo, "i1"))
}
