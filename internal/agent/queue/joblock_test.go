package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) *SQLiteJobLocker {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteJobLocker(db)
}

func TestJobLock_AcquireFreeLease(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobLock_SecondHolderBlocked(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "drain", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease must not be stolen")
}

func TestJobLock_SameHolderReacquires(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder extends its own lease")
}

func TestJobLock_ExpiredLeaseTakenOver(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "drain", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is up for grabs")
}

func TestJobLock_ReleaseThenAcquire(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "drain", "h1"))

	ok, err = l.Acquire(ctx, "drain", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJobLock_ReleaseWrongHolderIsNoop(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "drain", "h2"))

	ok, err = l.Acquire(ctx, "drain", "h2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobLock_IndependentNames(t *testing.T) {
	l := setupLocker(t)
	ctx := context.Background()

	ok, err := l.Acquire(ctx, "drain", "h1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire(ctx, "cleanup", "h2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
