// Package secrets implements the secret store the entities resolve
// opaque secret ids through. Secrets are never stored inline on an
// entity; only the id this package hands back is.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Manager handles encryption and decryption of secrets with a single
// AES-256-GCM key.
type Manager struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewManager builds a Manager from a 32-byte AES-256 key.
func NewManager(key []byte) (*Manager, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Manager{encryptionKey: key}, nil
}

// Encrypt encrypts plaintext data using AES-256-GCM, nonce prepended
// to the returned ciphertext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt.
func (m *Manager) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(m.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Secret is the record handed to a caller needing the opaque id and
// ciphertext; pkg/repository persists only the id, never the
// plaintext or the ciphertext inline on the owning entity.
type Secret struct {
	ID   string
	Data []byte // AES-256-GCM ciphertext, nonce prepended
}

// CreateSecret encrypts plaintext and assigns it a content-derived id.
func (m *Manager) CreateSecret(name string, plaintext []byte) (*Secret, error) {
	if name == "" {
		return nil, fmt.Errorf("secret name cannot be empty")
	}
	encrypted, err := m.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	return &Secret{ID: secretID(name), Data: encrypted}, nil
}

// GetSecretData decrypts a Secret's ciphertext.
func (m *Manager) GetSecretData(s *Secret) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("secret cannot be nil")
	}
	return m.Decrypt(s.Data)
}

func secretID(name string) string {
	hash := sha256.Sum256([]byte(name))
	return base64.URLEncoding.EncodeToString(hash[:16])
}

// DeriveClusterKey derives the cluster-wide AES-256 key from the
// cluster id via HKDF-SHA256 rather than a bare SHA-256
// digest.
func DeriveClusterKey(clusterID string) ([]byte, error) {
	kdf := hkdf.New(sha256.New, []byte(clusterID), []byte("onefuzz-controlplane"), []byte("cluster-secret-key"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive cluster key: %w", err)
	}
	return key, nil
}
