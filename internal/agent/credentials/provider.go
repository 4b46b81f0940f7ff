// Package credentials provides the device identity the signer authenticates
// with. Pairing itself happens elsewhere; this package only stores and loads
// what pairing produced.
package credentials

import "context"

// Device is the identity handed out when the device was attached.
type Device struct {
	ID           string `json:"device_id"`
	SharedSecret []byte `json:"shared_secret"`
}

// Provider yields the paired device credentials or common.ErrNotPaired.
type Provider interface {
	Load(ctx context.Context) (*Device, error)
}

// StaticProvider returns fixed credentials; used in tests and for
// environments that inject the secret externally.
type StaticProvider struct {
	Device *Device
}

func (p *StaticProvider) Load(ctx context.Context) (*Device, error) {
	return p.Device, nil
}
