package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/faults"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryLedger struct {
	mu            sync.RWMutex
	entries       []*Entry
	byFingerprint map[string]int
	now           func() time.Time
}

// New creates an empty MemoryLedger.
func New() *MemoryLedger {
	return &MemoryLedger{
		byFingerprint: make(map[string]int),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, rec Record) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := GenesisHash
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}

	entry := &Entry{
		Index:       len(l.entries),
		Caller:      rec.Caller,
		Callee:      rec.Callee,
		Duration:    rec.Duration,
		Status:      rec.Status,
		Timestamp:   rec.Timestamp,
		Fingerprint: rec.Fingerprint,
		RecordedAt:  l.now(),
		PrevHash:    prevHash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	if _, seen := l.byFingerprint[rec.Fingerprint]; !seen {
		l.byFingerprint[rec.Fingerprint] = entry.Index
	}

	cp := *entry
	return &cp, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d out of range: %w", index, faults.ErrNotFound)
	}
	cp := *l.entries[index]
	return &cp, nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// FindByFingerprint implements Ledger.
func (l *MemoryLedger) FindByFingerprint(_ context.Context, fingerprint string) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byFingerprint[fingerprint]
	if !ok {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, faults.ErrNotFound)
	}
	cp := *l.entries[idx]
	return &cp, nil
}

// Verify implements Ledger. It walks the chain and checks that all hashes
// are consistent.
func (l *MemoryLedger) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prev *Entry
	for _, curr := range l.entries {
		if err := verifyChain(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Ledger.
func (l *MemoryLedger) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return GenesisHash, nil
	}
	return l.entries[len(l.entries)-1].Hash, nil
}
