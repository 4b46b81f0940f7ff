package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SHA-256 of "hello".
const helloHex = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestFromReader_KnownVector(t *testing.T) {
	d, n, err := FromReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, helloHex, d.Hex())
	assert.Equal(t, "upload:"+helloHex, d.IdempotencyKey())
}

func TestFromReader_ContentOnly(t *testing.T) {
	// Same bytes through different readers yield the same digest.
	a, _, err := FromReader(strings.NewReader("payload"))
	require.NoError(t, err)
	b, _, err := FromReader(bytes.NewBufferString("payload"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFromReader_LargerThanBuffer(t *testing.T) {
	blob := bytes.Repeat([]byte{0xAB}, readBufferSize*3+17)
	d, n, err := FromReader(bytes.NewReader(blob))
	require.NoError(t, err)
	assert.Equal(t, int64(len(blob)), n)
	assert.NotEqual(t, Digest{}, d)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	// Identical content under two different names and paths.
	p1 := filepath.Join(dir, "IMG_0001.jpg")
	p2 := filepath.Join(dir, "copy", "renamed.jpg")
	require.NoError(t, os.WriteFile(p1, []byte("hello"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Dir(p2), 0o700))
	require.NoError(t, os.WriteFile(p2, []byte("hello"), 0o600))

	d1, n1, err := FromFile(p1)
	require.NoError(t, err)
	d2, n2, err := FromFile(p2)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, n1, n2)
	assert.Equal(t, "upload:"+helloHex, d1.IdempotencyKey())
}

func TestFromFile_Unreadable(t *testing.T) {
	_, _, err := FromFile(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}
