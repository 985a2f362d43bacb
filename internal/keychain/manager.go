// Copyright (c) 2025 Querygate
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package keychain stores the database DSN in the OS credential store so it
// never has to sit in a config file or shell history.
//
// macOS Keychain, Windows Credential Manager, the freedesktop Secret Service
// and KWallet are used when present, with pass(1) as the last resort. There
// is deliberately no file backend.
package keychain

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/99designs/keyring"
)

// Global keychain manager instance
var (
	globalManager *Manager
	mu            sync.Mutex
)

// ServiceName identifies our keychain/credential store namespace.
const ServiceName = "querygate"

// KeyDBDSN is the item key for the database DSN.
const KeyDBDSN = "db_dsn"

// ErrNotFound is returned when no DSN has been saved.
var ErrNotFound = errors.New("no DSN stored in keychain")

// Manager provides thread-safe DSN operations on a keyring.
type Manager struct {
	mu   sync.RWMutex
	ring keyring.Keyring
}

// NewManager opens the OS keyring.
func NewManager() (*Manager, error) {
	ring, err := openRing()
	if err != nil {
		return nil, err
	}
	return NewWithRing(ring), nil
}

// NewWithRing wraps an already opened keyring.
func NewWithRing(ring keyring.Keyring) *Manager {
	return &Manager{ring: ring}
}

// GetManager returns the global keychain manager instance.
// If initialization fails, it will retry on subsequent calls.
func GetManager() (*Manager, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalManager != nil {
		return globalManager, nil
	}

	m, err := NewManager()
	if err != nil {
		return nil, err
	}
	globalManager = m
	return globalManager, nil
}

// openRing opens the OS keyring using native platform backends only.
func openRing() (keyring.Keyring, error) {
	var allowedBackends []keyring.BackendType
	switch runtime.GOOS {
	case "darwin":
		allowedBackends = []keyring.BackendType{keyring.KeychainBackend, keyring.PassBackend}
	case "windows":
		allowedBackends = []keyring.BackendType{keyring.WinCredBackend}
	case "linux", "freebsd", "openbsd":
		allowedBackends = []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
			keyring.PassBackend,
		}
	default:
		return nil, fmt.Errorf("secure storage not supported on %s", runtime.GOOS)
	}

	cfg := keyring.Config{
		ServiceName:              ServiceName,
		AllowedBackends:          allowedBackends,
		PassPrefix:               ServiceName,
		WinCredPrefix:            ServiceName,
		KeychainTrustApplication: true,
		LibSecretCollectionName:  "login",
	}

	ring, err := keyring.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("OS keychain unavailable: %w", err)
	}
	return ring, nil
}

// SaveDSN stores the database DSN.
func (m *Manager) SaveDSN(dsn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ring.Set(keyring.Item{
		Key:         KeyDBDSN,
		Data:        []byte(dsn),
		Label:       "querygate database DSN",
		Description: "Connection string used by querygate serve",
	})
}

// LoadDSN retrieves the database DSN. It returns ErrNotFound when nothing
// has been saved.
func (m *Manager) LoadDSN() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, err := m.ring.Get(KeyDBDSN)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if len(it.Data) == 0 {
		return "", ErrNotFound
	}
	return string(it.Data), nil
}

// ClearDSN removes the stored DSN. Removing a DSN that is not there is not
// an error.
func (m *Manager) ClearDSN() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.ring.Remove(KeyDBDSN)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}
