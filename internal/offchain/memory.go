package offchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jmerrifield20/cdrledger/internal/faults"
)

// MemoryStore is an in-process Store for tests and single-process
// development. Addresses are "mem-" followed by the SHA-256 of the content.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	pinned  map[string]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		pinned:  make(map[string]bool),
	}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	addr := "mem-" + hex.EncodeToString(sum[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[addr] = append([]byte(nil), data...)
	return addr, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, address string) (*Payload, error) {
	m.mu.RLock()
	data, ok := m.objects[address]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s: %w", address, faults.ErrNotFound)
	}
	return DecodePayload(data)
}

// Pin implements Store.
func (m *MemoryStore) Pin(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[address]; !ok {
		return fmt.Errorf("pin %s: %w", address, faults.ErrNotFound)
	}
	m.pinned[address] = true
	return nil
}

// Pinned reports whether address has been pinned.
func (m *MemoryStore) Pinned(address string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinned[address]
}

// Tamper overwrites the object stored at address without changing the
// address. A real content-addressed store cannot do this; it simulates a
// tampered or corrupted replica.
func (m *MemoryStore) Tamper(address string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[address] = append([]byte(nil), data...)
}

// Len returns the number of stored objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
