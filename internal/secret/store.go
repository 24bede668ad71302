// Package secret persists the translation API key and its integrity hash.
package secret

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/UnitHan/TestGPT-Translator/internal/config"
)

const (
	// APIKeyEntry holds the credential itself
	APIKeyEntry = "api-key"

	// APIKeyHashEntry holds the hex SHA-256 of the credential
	APIKeyHashEntry = "api-key-hash"
)

var (
	// ErrNotFound is returned when no credential is stored
	ErrNotFound = errors.New("credential not found")

	// ErrEmptyKey is returned when a blank credential is saved
	ErrEmptyKey = errors.New("API key is required")
)

// Backend is a flat key/value secret store
type Backend interface {
	Name() string
	Get(entry string) (string, error)
	Set(entry, value string) error
	Delete(entry string) error
	Close() error
}

// Store reads and writes the credential record on top of a Backend
type Store struct {
	mu      sync.Mutex
	backend Backend
	logger  *zap.SugaredLogger
}

// NewStore wraps an already opened backend
func NewStore(backend Backend, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{backend: backend, logger: logger}
}

// Open selects a backend according to the configured mode. In auto mode the OS
// keyring is used when it answers a probe, the bbolt file otherwise.
func Open(mode config.CredentialBackend, dataDir string, logger *zap.SugaredLogger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	switch mode {
	case config.CredentialBackendKeyring:
		return NewStore(NewKeyringBackend(config.AppName), logger), nil
	case config.CredentialBackendFile:
		backend, err := OpenBoltBackend(dataDir, logger)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, logger), nil
	case config.CredentialBackendAuto, "":
		keyringBackend := NewKeyringBackend(config.AppName)
		if keyringBackend.IsAvailable() {
			logger.Debugw("Using OS keyring for credentials")
			return NewStore(keyringBackend, logger), nil
		}
		logger.Infow("OS keyring unavailable, storing credentials in data directory", "data_dir", dataDir)
		backend, err := OpenBoltBackend(dataDir, logger)
		if err != nil {
			return nil, err
		}
		return NewStore(backend, logger), nil
	default:
		return nil, fmt.Errorf("unknown credential backend %q", mode)
	}
}

// Backend reports which backend serves this store
func (s *Store) Backend() string {
	return s.backend.Name()
}

// Get returns the stored credential or ErrNotFound
func (s *Store) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, err := s.backend.Get(APIKeyEntry)
	if err != nil {
		return "", err
	}
	if value == "" {
		return "", ErrNotFound
	}
	return value, nil
}

// Set stores the credential together with its hash
func (s *Store) Set(apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Set(APIKeyEntry, apiKey); err != nil {
		return fmt.Errorf("failed to store API key: %w", err)
	}
	if err := s.backend.Set(APIKeyHashEntry, Hash(apiKey)); err != nil {
		return fmt.Errorf("failed to store API key hash: %w", err)
	}

	s.logger.Infow("API key saved", "backend", s.backend.Name(), "key", Mask(apiKey))
	return nil
}

// Delete removes the credential and its hash. Deleting a missing credential is not an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range []string{APIKeyEntry, APIKeyHashEntry} {
		if err := s.backend.Delete(entry); err != nil && !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to delete %s: %w", entry, err)
		}
	}

	s.logger.Infow("API key deleted", "backend", s.backend.Name())
	return nil
}

// Verify reports whether a credential is stored and matches its recorded hash.
// It is a corruption check, not an authenticity check.
func (s *Store) Verify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	apiKey, err := s.backend.Get(APIKeyEntry)
	if err != nil || apiKey == "" {
		return false
	}
	stored, err := s.backend.Get(APIKeyHashEntry)
	if err != nil || stored == "" {
		return false
	}
	return Hash(apiKey) == stored
}

// Masked returns the display form of the stored credential, or ErrNotFound
func (s *Store) Masked() (string, error) {
	apiKey, err := s.Get()
	if err != nil {
		return "", err
	}
	return Mask(apiKey), nil
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

// Hash returns the hex SHA-256 digest of a credential
func Hash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Mask shows the first 8 and last 4 characters of a credential. Keys of 12
// characters or less are fully hidden.
func Mask(apiKey string) string {
	r := []rune(apiKey)
	if len(r) <= 12 {
		return "****"
	}
	return string(r[:8]) + "..." + string(r[len(r)-4:])
}
