package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStatusClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, srv.Client(), testSigner(), discardLogger())
}

func TestCheckStatus_Mappings(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		wantDone bool
		wantKind models.ErrorKind
		wantRetr bool
	}{
		{name: "done", code: 200, body: `{"status":"done"}`, wantDone: true},
		{name: "queued keeps polling", code: 200, body: `{"status":"queued"}`},
		{name: "processing keeps polling", code: 200, body: `{"status":"processing"}`},
		{name: "failed is permanent", code: 200, body: `{"status":"failed","error":"corrupt file"}`, wantKind: models.ErrorKindRemoteFailure},
		{name: "processed fallback", code: 200, body: `{"processed":true}`, wantDone: true},
		{name: "processed false keeps polling", code: 200, body: `{"processed":false}`},
		{name: "ambiguous body keeps polling", code: 200, body: `{"something":"else"}`},
		{name: "unknown status keeps polling", code: 200, body: `{"status":"migrating"}`},
		{name: "garbage body keeps polling", code: 200, body: `not json`},
		{name: "404 permanent", code: 404, wantKind: models.ErrorKindHTTP},
		{name: "500 retryable", code: 500, wantKind: models.ErrorKindHTTP, wantRetr: true},
		{name: "429 retryable", code: 429, wantKind: models.ErrorKindHTTP, wantRetr: true},
		{name: "400 permanent", code: 400, wantKind: models.ErrorKindHTTP},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/uploads/u-1/status", r.URL.Path)
				w.WriteHeader(tc.code)
				_, _ = w.Write([]byte(tc.body))
			})

			res, err := c.CheckStatus(context.Background(), "u-1")
			if tc.wantKind != models.ErrorKindNone {
				var f *Failure
				require.ErrorAs(t, err, &f)
				assert.Equal(t, tc.wantKind, f.Kind)
				assert.Equal(t, tc.wantRetr, f.Retryable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantDone, res.Done)
		})
	}
}

func TestCheckStatus_RemoteFailureCarriesServerText(t *testing.T) {
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"failed","error":"corrupt file"}`))
	})

	_, err := c.CheckStatus(context.Background(), "u-1")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Contains(t, f.Message, "corrupt file")
}

func TestCheckStatus_RetryAfterHint(t *testing.T) {
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	})

	res, err := c.CheckStatus(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, res.RetryAfter)
}

func TestWaitUntilDone_PollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			_, _ = w.Write([]byte(`{"status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"done"}`))
	})

	p := NewPoller(c)
	p.defaultDelay = 10 * time.Millisecond

	require.NoError(t, p.WaitUntilDone(context.Background(), "u-1"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWaitUntilDone_HonorsRetryAfterMinimumDelay(t *testing.T) {
	var times []time.Time
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		times = append(times, time.Now())
		if len(times) == 1 {
			w.Header().Set("Retry-After", "1")
			_, _ = w.Write([]byte(`{"status":"processing"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"done"}`))
	})

	p := NewPoller(c)
	p.defaultDelay = 10 * time.Millisecond

	require.NoError(t, p.WaitUntilDone(context.Background(), "u-1"))
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), time.Second)
}

func TestWaitUntilDone_ClampsOversizedHint(t *testing.T) {
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "999999999")
		_, _ = w.Write([]byte(`{"status":"processing"}`))
	})

	p := NewPoller(c)
	p.defaultDelay = 10 * time.Millisecond
	p.maxDelay = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	// With the clamp in place the loop keeps polling instead of sleeping
	// for ~31 years; the timeout would fire first otherwise.
	err := p.WaitUntilDone(ctx, "u-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitUntilDone_RecoversFromTransientServerError(t *testing.T) {
	var calls atomic.Int32
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"status":"done"}`))
	})

	p := NewPoller(c)
	p.defaultDelay = 10 * time.Millisecond

	require.NoError(t, p.WaitUntilDone(context.Background(), "u-1"))
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestWaitUntilDone_PermanentFailureStopsPolling(t *testing.T) {
	c := newStatusClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	p := NewPoller(c)
	err := p.WaitUntilDone(context.Background(), "u-1")
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, 404, f.HTTPCode)
	assert.False(t, f.Retryable)
}
