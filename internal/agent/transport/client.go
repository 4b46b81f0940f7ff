// Package transport talks to the upload service: it streams multipart
// transfers and polls processing status, classifying every outcome into the
// retryable/permanent taxonomy the drain coordinator acts on.
package transport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/uplink/internal/agent/models"
	"github.com/dmitrijs2005/uplink/internal/agent/signing"
	"github.com/dmitrijs2005/uplink/internal/logging"
)

// Failure is a classified transfer or poll failure. Retryable failures send
// the item back to QUEUED; permanent ones mark it FAILED.
type Failure struct {
	Kind      models.ErrorKind
	HTTPCode  int
	Message   string
	Retryable bool
}

func (f *Failure) Error() string {
	if f.HTTPCode != 0 {
		return fmt.Sprintf("%s (http %d): %s", f.Kind, f.HTTPCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func networkFailure(err error) *Failure {
	return &Failure{Kind: models.ErrorKindNetwork, Message: err.Error(), Retryable: true}
}

func ioFailure(err error) *Failure {
	return &Failure{Kind: models.ErrorKindIO, Message: err.Error(), Retryable: true}
}

// Client is the signed HTTP client for the upload service.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *signing.Signer
	log     logging.Logger
}

func NewClient(baseURL string, httpClient *http.Client, signer *signing.Signer, log logging.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &Client{baseURL: baseURL, http: httpClient, signer: signer, log: log}
}
