package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultPollDelay is used when the server sends no retry hint.
	DefaultPollDelay = 3 * time.Second

	// MaxPollDelay clamps any server-supplied retry hint.
	MaxPollDelay = 24 * time.Hour

	transientBackoffBase = time.Second
	transientBackoffCap  = 30 * time.Second
	transientMaxRetries  = 5
)

// StatusResult is one poll observation for an accepted upload.
type StatusResult struct {
	// Done is true only when the server unambiguously reported completion.
	Done bool

	// RetryAfter is the server's minimum-delay hint, zero if absent.
	RetryAfter time.Duration
}

type statusResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Processed *bool  `json:"processed"`
}

// CheckStatus performs a single status request and maps the response:
// queued/processing keep polling, done succeeds, failed and 404 are
// permanent, 429/5xx and connect errors are retryable. An ambiguous body is
// never success; absent status with processed=true counts as done, anything
// else keeps polling.
func (c *Client) CheckStatus(ctx context.Context, serverUploadID string) (*StatusResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/uploads/%s/status", c.baseURL, serverUploadID), nil)
	if err != nil {
		return nil, &Failure{Kind: models.ErrorKindUnexpected, Message: err.Error()}
	}

	if err := c.signer.Sign(ctx, req, ""); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if cause := cancelCause(ctx); cause != nil {
			return nil, cause
		}
		return nil, networkFailure(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &Failure{
			Kind:     models.ErrorKindHTTP,
			HTTPCode: resp.StatusCode,
			Message:  "server has no record of the upload",
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Failure{
			Kind:      models.ErrorKindHTTP,
			HTTPCode:  resp.StatusCode,
			Message:   http.StatusText(resp.StatusCode),
			Retryable: true,
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &Failure{
			Kind:     models.ErrorKindHTTP,
			HTTPCode: resp.StatusCode,
			Message:  http.StatusText(resp.StatusCode),
		}
	}

	hint := retryAfterHint(resp)

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var sr statusResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		// Unreadable body: keep polling rather than guessing.
		return &StatusResult{RetryAfter: hint}, nil
	}

	switch sr.Status {
	case "done":
		return &StatusResult{Done: true}, nil
	case "failed":
		msg := sr.Error
		if msg == "" {
			msg = "server reported failed processing"
		}
		return nil, &Failure{Kind: models.ErrorKindRemoteFailure, Message: msg}
	case "queued", "processing":
		return &StatusResult{RetryAfter: hint}, nil
	case "":
		if sr.Processed != nil && *sr.Processed {
			return &StatusResult{Done: true}, nil
		}
		return &StatusResult{RetryAfter: hint}, nil
	default:
		return &StatusResult{RetryAfter: hint}, nil
	}
}

func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Poller drives status checks for an accepted upload until the server
// settles. There is deliberately no overall deadline: server completion is
// eventually consistent from the client's point of view, so an item may be
// polled indefinitely.
type Poller struct {
	client       *Client
	defaultDelay time.Duration
	maxDelay     time.Duration
}

func NewPoller(client *Client) *Poller {
	return &Poller{client: client, defaultDelay: DefaultPollDelay, maxDelay: MaxPollDelay}
}

// WaitUntilDone polls until the upload is done (nil), fails permanently
// (*Failure with Retryable=false), exhausts transient retries (*Failure with
// Retryable=true, so the item returns to QUEUED), or the context ends.
func (p *Poller) WaitUntilDone(ctx context.Context, serverUploadID string) error {
	for {
		res, err := p.checkWithRetry(ctx, serverUploadID)
		if err != nil {
			return err
		}
		if res.Done {
			return nil
		}

		// The server hint is a minimum delay; clamp runaway values.
		delay := p.defaultDelay
		if res.RetryAfter > delay {
			delay = res.RetryAfter
		}
		if delay > p.maxDelay {
			delay = p.maxDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if cause := cancelCause(ctx); cause != nil {
				return cause
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// checkWithRetry absorbs short transient blips (connect errors, 5xx) with a
// capped exponential backoff. Once retries are exhausted the retryable
// failure propagates and the drain coordinator requeues the item.
func (p *Poller) checkWithRetry(ctx context.Context, serverUploadID string) (*StatusResult, error) {
	var res *StatusResult

	backoff := retry.WithMaxRetries(transientMaxRetries,
		retry.WithCappedDuration(transientBackoffCap, retry.NewExponential(transientBackoffBase)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		res, err = p.client.CheckStatus(ctx, serverUploadID)
		var f *Failure
		if errors.As(err, &f) && f.Retryable {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
