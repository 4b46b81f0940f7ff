// Package identity derives the content digest and the idempotency key an
// upload is deduplicated by. The derivation depends only on the content
// bytes, never on names, paths, or timestamps.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// KeyPrefix precedes the hex digest in every idempotency key.
const KeyPrefix = "upload:"

// readBufferSize keeps memory use independent of file size.
const readBufferSize = 64 * 1024

// Digest is the SHA-256 of a piece of content.
type Digest [sha256.Size]byte

// Hex returns the lowercase hex encoding of the digest.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// IdempotencyKey derives the server-facing dedup key from the digest.
func (d Digest) IdempotencyKey() string {
	return KeyPrefix + d.Hex()
}

// FromReader computes the streaming SHA-256 of r with a fixed-size buffer,
// returning the digest and the number of bytes read.
func FromReader(r io.Reader) (Digest, int64, error) {
	h := sha256.New()
	buf := make([]byte, readBufferSize)
	n, err := io.CopyBuffer(h, r, buf)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("failed to digest content: %w", err)
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d, n, nil
}

// FromFile computes the digest of the file at path.
func FromFile(path string) (Digest, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()
	return FromReader(f)
}
