package secret

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

const availabilityProbeEntry = "_availability_probe"

// KeyringBackend stores entries in the OS keyring (Keychain, Secret Service, WinCred)
type KeyringBackend struct {
	serviceName string
}

// NewKeyringBackend creates a keyring backend scoped to serviceName
func NewKeyringBackend(serviceName string) *KeyringBackend {
	return &KeyringBackend{serviceName: serviceName}
}

func (k *KeyringBackend) Name() string { return "keyring" }

// Get retrieves an entry from the OS keyring
func (k *KeyringBackend) Get(entry string) (string, error) {
	value, err := keyring.Get(k.serviceName, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s from keyring: %w", entry, err)
	}
	return value, nil
}

// Set saves an entry to the OS keyring
func (k *KeyringBackend) Set(entry, value string) error {
	if err := keyring.Set(k.serviceName, entry, value); err != nil {
		return fmt.Errorf("failed to store %s in keyring: %w", entry, err)
	}
	return nil
}

// Delete removes an entry from the OS keyring
func (k *KeyringBackend) Delete(entry string) error {
	err := keyring.Delete(k.serviceName, entry)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s from keyring: %w", entry, err)
	}
	return nil
}

func (k *KeyringBackend) Close() error { return nil }

// IsAvailable checks if the keyring is available on the current system
func (k *KeyringBackend) IsAvailable() bool {
	if err := keyring.Set(k.serviceName, availabilityProbeEntry, "probe"); err != nil {
		return false
	}
	if _, err := keyring.Get(k.serviceName, availabilityProbeEntry); err != nil {
		return false
	}
	_ = keyring.Delete(k.serviceName, availabilityProbeEntry)
	return true
}
