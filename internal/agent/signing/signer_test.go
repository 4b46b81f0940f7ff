package signing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/credentials"
	"github.com/dmitrijs2005/uplink/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notPairedProvider struct{}

func (notPairedProvider) Load(ctx context.Context) (*credentials.Device, error) {
	return nil, common.ErrNotPaired
}

func fixedSigner(t *testing.T) *Signer {
	t.Helper()
	s := NewSigner(&credentials.StaticProvider{
		Device: &credentials.Device{ID: "dev-1", SharedSecret: []byte("secret")},
	})
	s.now = func() time.Time {
		return time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)
	}
	s.newNonce = func() (string, error) { return "cafebabe", nil }
	return s
}

func TestCanonicalString_Format(t *testing.T) {
	got := CanonicalString("POST", "/v1/uploads", "2024-05-17T10:30:00Z", "cafebabe", "abc123")
	assert.Equal(t, "POST|/v1/uploads|2024-05-17T10:30:00Z|cafebabe|abc123", got)
}

func TestSignature_Deterministic(t *testing.T) {
	canonical := CanonicalString("POST", "/v1/uploads", "2024-05-17T10:30:00Z", "cafebabe", "abc123")
	a := Signature([]byte("secret"), canonical)
	b := Signature([]byte("secret"), canonical)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	// Any component change moves the signature.
	other := Signature([]byte("secret"), CanonicalString("POST", "/v1/uploads", "2024-05-17T10:30:01Z", "cafebabe", "abc123"))
	assert.NotEqual(t, a, other)

	wrongKey := Signature([]byte("other"), canonical)
	assert.NotEqual(t, a, wrongKey)
}

func TestSign_AttachesEnvelope(t *testing.T) {
	s := fixedSigner(t)

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/uploads", nil)
	require.NoError(t, err)

	require.NoError(t, s.Sign(context.Background(), req, "abc123"))

	assert.Equal(t, "dev-1", req.Header.Get(HeaderDeviceID))
	assert.Equal(t, "2024-05-17T10:30:00Z", req.Header.Get(HeaderTimestamp))
	assert.Equal(t, "cafebabe", req.Header.Get(HeaderNonce))
	assert.Equal(t, "abc123", req.Header.Get(HeaderContentSHA256))

	wantSig := Signature([]byte("secret"),
		"POST|/v1/uploads|2024-05-17T10:30:00Z|cafebabe|abc123")
	assert.Equal(t, wantSig, req.Header.Get(HeaderSignature))
}

func TestSign_ReusesUpstreamDigestHeader(t *testing.T) {
	s := fixedSigner(t)

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/uploads", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderContentSHA256, "precomputed")

	require.NoError(t, s.Sign(context.Background(), req, ""))

	assert.Equal(t, "precomputed", req.Header.Get(HeaderContentSHA256))
	wantSig := Signature([]byte("secret"),
		"POST|/v1/uploads|2024-05-17T10:30:00Z|cafebabe|precomputed")
	assert.Equal(t, wantSig, req.Header.Get(HeaderSignature))
}

func TestSign_BypassListSkipsSigning(t *testing.T) {
	s := NewSigner(notPairedProvider{})

	for _, path := range []string{"/healthz", "/v1/devices/attach"} {
		req, err := http.NewRequest(http.MethodGet, "https://api.example.com"+path, nil)
		require.NoError(t, err)

		require.NoError(t, s.Sign(context.Background(), req, ""))
		assert.Empty(t, req.Header.Get(HeaderSignature), path)
		assert.Empty(t, req.Header.Get(HeaderDeviceID), path)
	}
}

func TestSign_NotPairedFailsFast(t *testing.T) {
	s := NewSigner(notPairedProvider{})

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/uploads", nil)
	require.NoError(t, err)

	err = s.Sign(context.Background(), req, "abc")
	assert.ErrorIs(t, err, common.ErrNotPaired)
	assert.Empty(t, req.Header.Get(HeaderSignature), "an unsigned authenticated request must never go out")
}

func TestSign_EmptyCredentialsRejected(t *testing.T) {
	s := NewSigner(&credentials.StaticProvider{Device: &credentials.Device{}})

	req, err := http.NewRequest(http.MethodPost, "https://api.example.com/v1/uploads", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Sign(context.Background(), req, "abc"), common.ErrNotPaired)
}
