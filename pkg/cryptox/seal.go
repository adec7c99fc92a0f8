package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "carelink credential seal v1"

// MasterKeySize is the number of random bytes written to a new master key file.
const MasterKeySize = 32

var (
	// ErrEmptyKeyMaterial is returned when a Sealer is built from no key bytes.
	ErrEmptyKeyMaterial = errors.New("cryptox: empty key material")
	// ErrSealedTooShort is returned when sealed data cannot hold a nonce and tag.
	ErrSealedTooShort = errors.New("cryptox: sealed data too short")
)

// Sealer encrypts small secrets at rest with XChaCha20-Poly1305. The AEAD
// key is derived from caller-supplied key material with HKDF-SHA256.
//
// Output format: [24-byte nonce][ciphertext][16-byte tag]
type Sealer struct {
	key []byte
}

// NewSealer derives a sealing key from keyMaterial.
func NewSealer(keyMaterial []byte) (*Sealer, error) {
	if len(keyMaterial) == 0 {
		return nil, ErrEmptyKeyMaterial
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(sealInfo)), key); err != nil {
		return nil, fmt.Errorf("cryptox: failed to derive sealing key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// LoadSealer reads key material from path, creating the file with fresh
// random bytes (mode 0600) when it does not exist yet.
func LoadSealer(path string) (*Sealer, error) {
	material, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		material, err = createMasterKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("cryptox: failed to load master key: %w", err)
	}
	return NewSealer(material)
}

func createMasterKey(path string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	material := make([]byte, MasterKeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(material); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return material, nil
}

// Seal encrypts and authenticates plaintext with a random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
