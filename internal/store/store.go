// Package store provides durable client-local persistence for the session credential.
package store

import (
	"context"
	"sync"

	"github.com/ashureev/botdesk/internal/domain"
)

// CredentialStore holds at most one bearer credential.
// Only the session controller and the transport's rejection hook mutate it.
type CredentialStore interface {
	// Get returns the current credential, or "" when none is held.
	Get(ctx context.Context) (domain.Credential, error)

	// Set replaces the current credential.
	Set(ctx context.Context, cred domain.Credential) error

	// Clear discards the credential. Clearing an empty store is a no-op.
	Clear(ctx context.Context) error

	// Ping verifies the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing storage.
	Close() error
}

// MemoryStore is a non-durable CredentialStore used for ephemeral runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	cred domain.Credential
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// Get returns the held credential.
func (m *MemoryStore) Get(_ context.Context) (domain.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred, nil
}

// Set replaces the held credential.
func (m *MemoryStore) Set(_ context.Context, cred domain.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = cred
	return nil
}

// Clear drops the held credential.
func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = ""
	return nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
