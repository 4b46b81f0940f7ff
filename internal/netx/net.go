// Package netx contains small networking helpers used by the agent to decide
// whether a drain pass is worth triggering.
package netx

import (
	"context"
	"net/http"
	"time"
)

// Online reports whether the remote service answers its health endpoint.
// The health check is on the signing bypass list, so this probe sends no
// credentials. Any non-5xx answer counts as reachable: the goal is to detect
// connectivity, not service health.
func Online(ctx context.Context, client *http.Client, baseURL string) bool {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < 500
}
