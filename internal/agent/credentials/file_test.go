package credentials

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_LoadBeforePairing(t *testing.T) {
	s := NewFileStore(t.TempDir())
	_, err := s.Load(context.Background())
	assert.ErrorIs(t, err, common.ErrNotPaired)
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	d := &Device{ID: "dev-42", SharedSecret: []byte("super-secret")}
	require.NoError(t, s.Save(ctx, d))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "dev-42", got.ID)
	assert.Equal(t, []byte("super-secret"), got.SharedSecret)
}

func TestFileStore_CredentialsAreSealed(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Device{ID: "dev-42", SharedSecret: []byte("super-secret")}))

	raw, err := os.ReadFile(filepath.Join(dir, "device.cred"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret")
	assert.NotContains(t, string(raw), "dev-42")
}

func TestFileStore_TamperedBoxFailsToOpen(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Device{ID: "dev-42", SharedSecret: []byte("x")}))

	credPath := filepath.Join(dir, "device.cred")
	raw, err := os.ReadFile(credPath)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(credPath, raw, 0o600))

	_, err = s.Load(ctx)
	assert.Error(t, err)
}

func TestFileStore_SaveReusesKeyfile(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, &Device{ID: "a", SharedSecret: []byte("1")}))
	key1, err := os.ReadFile(filepath.Join(dir, "device.key"))
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, &Device{ID: "b", SharedSecret: []byte("2")}))
	key2, err := os.ReadFile(filepath.Join(dir, "device.key"))
	require.NoError(t, err)

	assert.Equal(t, key1, key2)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)
}
