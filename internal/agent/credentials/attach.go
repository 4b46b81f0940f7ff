package credentials

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Attach exchanges a one-time pairing code for device credentials. The
// endpoint is on the signing bypass list: this is the only authenticated-
// surface call made before credentials exist.
func Attach(ctx context.Context, client *http.Client, baseURL, pairingCode string) (*Device, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	body, err := json.Marshal(map[string]string{"pairing_code": pairingCode})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/v1/devices/attach", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("attach request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("attach rejected: http %d: %s", resp.StatusCode, raw)
	}

	var ar struct {
		DeviceID     string `json:"device_id"`
		SharedSecret string `json:"shared_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("failed to decode attach response: %w", err)
	}
	if ar.DeviceID == "" || ar.SharedSecret == "" {
		return nil, fmt.Errorf("attach response missing credentials")
	}

	secret, err := base64.StdEncoding.DecodeString(ar.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode shared secret: %w", err)
	}

	return &Device{ID: ar.DeviceID, SharedSecret: secret}, nil
}
