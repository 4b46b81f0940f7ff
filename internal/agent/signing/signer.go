// Package signing builds the authenticated request envelope: device id,
// timestamp, nonce, content digest, and an HMAC-SHA256 signature over the
// canonical string METHOD|PATH|TIMESTAMP|NONCE|DIGEST.
package signing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/credentials"
	"github.com/dmitrijs2005/uplink/internal/common"
)

// Signed-request headers.
const (
	HeaderDeviceID       = "X-Device-Id"
	HeaderTimestamp      = "X-Timestamp"
	HeaderNonce          = "X-Nonce"
	HeaderContentSHA256  = "X-Content-SHA256"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// TimestampFormat is the wire form of X-Timestamp: seconds resolution, UTC.
const TimestampFormat = "2006-01-02T15:04:05Z"

const nonceBytes = 16

// bypassPaths skips signing entirely: the health check and the initial
// device-attach call, which by definition happen before credentials exist.
var bypassPaths = map[string]struct{}{
	"/healthz":           {},
	"/v1/devices/attach": {},
}

// Bypass reports whether requests to path are sent unsigned.
func Bypass(path string) bool {
	_, ok := bypassPaths[path]
	return ok
}

// CanonicalString builds the fixed-order concatenation that gets signed.
func CanonicalString(method, path, timestamp, nonce, digestHex string) string {
	return strings.Join([]string{method, path, timestamp, nonce, digestHex}, "|")
}

// Signature computes hex(HMAC-SHA256(secret, canonical)).
func Signature(secret []byte, canonical string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Signer attaches the authentication envelope to outbound requests.
type Signer struct {
	creds credentials.Provider

	// Overridable for deterministic tests.
	now      func() time.Time
	newNonce func() (string, error)
}

func NewSigner(creds credentials.Provider) *Signer {
	return &Signer{
		creds:    creds,
		now:      time.Now,
		newNonce: func() (string, error) { return common.MakeRandHexString(nonceBytes) },
	}
}

// Sign authenticates req. digestHex is the hex SHA-256 of the request
// content; when empty, a digest already present in X-Content-SHA256 is
// reused so the body is never read twice. Bypass-listed paths are left
// untouched. Without credentials it fails fast with common.ErrNotPaired
// before anything is sent.
func (s *Signer) Sign(ctx context.Context, req *http.Request, digestHex string) error {
	if Bypass(req.URL.Path) {
		return nil
	}

	device, err := s.creds.Load(ctx)
	if err != nil {
		return err
	}
	if device == nil || device.ID == "" || len(device.SharedSecret) == 0 {
		return common.ErrNotPaired
	}

	if digestHex == "" {
		digestHex = req.Header.Get(HeaderContentSHA256)
	}

	timestamp := s.now().UTC().Format(TimestampFormat)
	nonce, err := s.newNonce()
	if err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	canonical := CanonicalString(req.Method, req.URL.Path, timestamp, nonce, digestHex)

	req.Header.Set(HeaderDeviceID, device.ID)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderContentSHA256, digestHex)
	req.Header.Set(HeaderSignature, Signature(device.SharedSecret, canonical))
	return nil
}
