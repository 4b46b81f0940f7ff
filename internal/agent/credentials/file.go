package credentials

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/uplink/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileStore keeps the device credentials sealed on disk. The credentials
// file is an XChaCha20-Poly1305 box; the key lives in a separate 0600
// keyfile created on first save, so a copied credentials file alone is
// useless.
type FileStore struct {
	credPath string
	keyPath  string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		credPath: filepath.Join(dir, "device.cred"),
		keyPath:  filepath.Join(dir, "device.key"),
	}
}

func (s *FileStore) Load(ctx context.Context) (*Device, error) {
	box, err := os.ReadFile(s.credPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.ErrNotPaired
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	key, err := os.ReadFile(s.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(box) < aead.NonceSize() {
		return nil, errors.New("credentials file too short")
	}

	nonce, sealed := box[:aead.NonceSize()], box[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credentials: %w", err)
	}
	defer common.WipeByteArray(plain)

	var d Device
	if err := json.Unmarshal(plain, &d); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &d, nil
}

// Save seals the device credentials, creating the keyfile if missing.
func (s *FileStore) Save(ctx context.Context, d *Device) error {
	key, err := s.ensureKey()
	if err != nil {
		return err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return fmt.Errorf("failed to init cipher: %w", err)
	}

	plain, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	defer common.WipeByteArray(plain)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	box := aead.Seal(nonce, nonce, plain, nil)

	if err := os.MkdirAll(filepath.Dir(s.credPath), 0o700); err != nil {
		return fmt.Errorf("failed to create credentials dir: %w", err)
	}
	if err := os.WriteFile(s.credPath, box, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	return nil
}

func (s *FileStore) ensureKey() ([]byte, error) {
	key, err := os.ReadFile(s.keyPath)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read keyfile: %w", err)
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(s.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write keyfile: %w", err)
	}
	return key, nil
}
