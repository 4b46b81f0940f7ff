package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/signing"
	"github.com/dmitrijs2005/uplink/internal/common"
)

const (
	uploadChunkSize  = 64 * 1024
	progressInterval = 200 * time.Millisecond
	fallbackMIME     = "application/octet-stream"
)

// SourceOpener resolves an opaque source reference to a byte stream. The
// media index owns the reference format; this core never reinterprets it.
type SourceOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FileOpener treats source references as plain filesystem paths.
type FileOpener struct{}

func (FileOpener) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return os.Open(ref)
}

// ProgressFunc observes transfer progress as sent/total bytes. It exists for
// UI and foreground-liveness purposes only; nothing in the pipeline makes
// control decisions from it.
type ProgressFunc func(sent, total int64)

// UploadResult is the server's acceptance of a transfer.
type UploadResult struct {
	ServerUploadID string
	Status         string
}

type uploadResponse struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// Upload streams the item's source once, computing the SHA-256 digest while
// accumulating the multipart payload, then submits the signed request.
//
// Cancellation is cooperative: the read loop checks ctx between chunks, and
// a cancelled transfer surfaces as common.ErrCancelled (wrapped with the
// context cause), never as success or a retryable Failure.
func (c *Client) Upload(ctx context.Context, item *models.UploadItem, opener SourceOpener, progress ProgressFunc) (*UploadResult, error) {
	src, err := opener.Open(ctx, item.SourceRef)
	if err != nil {
		return nil, ioFailure(fmt.Errorf("failed to open source: %w", err))
	}
	defer src.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", item.DisplayName)
	if err != nil {
		return nil, ioFailure(fmt.Errorf("failed to create form file: %w", err))
	}

	digestHex, sent, err := c.copyWithDigest(ctx, part, src, item.SizeBytes, progress)
	if err != nil {
		return nil, err
	}

	fields := map[string]string{
		"content_sha256": digestHex,
		"mime":           mimeForName(item.DisplayName),
		"size":           strconv.FormatInt(sent, 10),
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, ioFailure(fmt.Errorf("failed to write field %s: %w", k, err))
		}
	}
	if err := mw.Close(); err != nil {
		return nil, ioFailure(fmt.Errorf("failed to finalize multipart body: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/uploads", &body)
	if err != nil {
		return nil, &Failure{Kind: models.ErrorKindUnexpected, Message: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(signing.HeaderIdempotencyKey, item.IdempotencyKey)
	req.Header.Set(signing.HeaderContentSHA256, digestHex)

	if err := c.signer.Sign(ctx, req, digestHex); err != nil {
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

	return classifyUploadResponse(resp)
}

// copyWithDigest streams src into dst chunk by chunk, hashing as it goes and
// reporting progress at a bounded cadence.
func (c *Client) copyWithDigest(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (string, int64, error) {
	h := sha256.New()
	buf := make([]byte, uploadChunkSize)

	var sent int64
	lastReport := time.Time{}

	for {
		if err := ctx.Err(); err != nil {
			if cause := cancelCause(ctx); cause != nil {
				return "", sent, cause
			}
			return "", sent, fmt.Errorf("transfer interrupted: %w", err)
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return "", sent, ioFailure(fmt.Errorf("failed to buffer chunk: %w", werr))
			}
			h.Write(buf[:n])
			sent += int64(n)

			if progress != nil && time.Since(lastReport) >= progressInterval {
				progress(sent, total)
				lastReport = time.Now()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", sent, ioFailure(fmt.Errorf("failed to read source: %w", err))
		}
	}

	if progress != nil {
		progress(sent, sent)
	}
	return hex.EncodeToString(h.Sum(nil)), sent, nil
}

// classifyUploadResponse applies the outcome table:
//
//	202/409 with upload_id  -> accepted
//	202/409 without         -> retryable HTTP
//	413, 415                -> permanent HTTP
//	429, 5xx                -> retryable HTTP
//	anything else           -> permanent HTTP
func classifyUploadResponse(resp *http.Response) (*UploadResult, error) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusConflict:
		var ur uploadResponse
		if err := json.Unmarshal(raw, &ur); err == nil && ur.UploadID != "" {
			return &UploadResult{ServerUploadID: ur.UploadID, Status: ur.Status}, nil
		}
		return nil, &Failure{
			Kind:      models.ErrorKindHTTP,
			HTTPCode:  resp.StatusCode,
			Message:   "accepted response without upload_id",
			Retryable: true,
		}

	case resp.StatusCode == http.StatusRequestEntityTooLarge ||
		resp.StatusCode == http.StatusUnsupportedMediaType:
		return nil, &Failure{
			Kind:     models.ErrorKindHTTP,
			HTTPCode: resp.StatusCode,
			Message:  httpMessage(resp.StatusCode, raw),
		}

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Failure{
			Kind:      models.ErrorKindHTTP,
			HTTPCode:  resp.StatusCode,
			Message:   httpMessage(resp.StatusCode, raw),
			Retryable: true,
		}

	default:
		return nil, &Failure{
			Kind:     models.ErrorKindHTTP,
			HTTPCode: resp.StatusCode,
			Message:  httpMessage(resp.StatusCode, raw),
		}
	}
}

func httpMessage(code int, body []byte) string {
	msg := http.StatusText(code)
	if len(body) > 0 && len(body) <= 200 {
		msg = msg + ": " + string(body)
	}
	return msg
}

func mimeForName(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return fallbackMIME
}

// cancelCause returns a wrapped common.ErrCancelled when the context was
// cancelled explicitly for this item, nil otherwise (e.g. process shutdown,
// which must leave the item recoverable rather than CANCELLED).
func cancelCause(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), common.ErrCancelled) {
		return fmt.Errorf("transfer aborted: %w", common.ErrCancelled)
	}
	return nil
}
