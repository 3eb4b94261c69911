// Package secure encrypts persisted records with a locally held key.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const keySize = 32

// ErrDecrypt is returned when a blob cannot be decrypted with the given context.
var ErrDecrypt = errors.New("decrypt failed")

// Service encrypts values bound to a context string.
// A value encrypted with one context does not decrypt with another.
type Service interface {
	Encrypt(plaintext, context string) (string, error)
	Decrypt(ciphertext, context string) (string, error)
}

// KeyFileService implements Service with AES-256-GCM.
// The key is kept in a file readable only by the owner.
type KeyFileService struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// NewKeyFileService loads the key at path, creating it if missing.
func NewKeyFileService(path string) (*KeyFileService, error) {
	s := &KeyFileService{path: path}
	if _, err := s.InitKey(); err != nil {
		return nil, err
	}
	return s, nil
}

// New returns a KeyFileService, or Plain if no key could be set up.
func New(path string, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := NewKeyFileService(path)
	if err != nil {
		logger.Warn("Encryption key unavailable, storing records unencrypted", "path", path, "error", err)
		return Plain{}
	}
	return s
}

// InitKey loads the key file. It creates a new key if none exists and
// reports whether an existing key was loaded.
func (s *KeyFileService) InitKey() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, s.createKeyLocked()
	}
	if err != nil {
		return false, fmt.Errorf("read key: %w", err)
	}
	if len(key) != keySize {
		return false, fmt.Errorf("read key: invalid key length %d", len(key))
	}
	if err := s.setKeyLocked(key); err != nil {
		return false, err
	}
	return true, nil
}

// CreateKey replaces the key with a fresh random key.
// Records encrypted with the previous key become unreadable.
func (s *KeyFileService) CreateKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createKeyLocked()
}

// DeleteKey removes the key file.
func (s *KeyFileService) DeleteKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aead = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (s *KeyFileService) createKeyLocked() error {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(s.path, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return s.setKeyLocked(key)
}

func (s *KeyFileService) setKeyLocked(key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create gcm: %w", err)
	}
	s.aead = aead
	return nil
}

func (s *KeyFileService) current() (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aead == nil {
		if err := s.createKeyLocked(); err != nil {
			return nil, err
		}
	}
	return s.aead, nil
}

// Encrypt seals plaintext with context as additional data.
// The result is base64(len(nonce) || nonce || ciphertext).
func (s *KeyFileService) Encrypt(plaintext, context string) (string, error) {
	aead, err := s.current()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, byte(len(nonce)))
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, []byte(plaintext), []byte(context))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt with the same context.
func (s *KeyFileService) Decrypt(ciphertext, context string) (string, error) {
	aead, err := s.current()
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(data) < 1 {
		return "", fmt.Errorf("%w: empty blob", ErrDecrypt)
	}
	nonceLen := int(data[0])
	if nonceLen != aead.NonceSize() || len(data) < 1+nonceLen+aead.Overhead() {
		return "", fmt.Errorf("%w: truncated blob", ErrDecrypt)
	}
	nonce := data[1 : 1+nonceLen]
	plain, err := aead.Open(nil, nonce, data[1+nonceLen:], []byte(context))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Plain stores values as they are.
type Plain struct{}

func (Plain) Encrypt(plaintext, _ string) (string, error)  { return plaintext, nil }
func (Plain) Decrypt(ciphertext, _ string) (string, error) { return ciphertext, nil }
