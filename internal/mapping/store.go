package mapping

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/jmerrifield20/cdrledger/internal/atomicfile"
	"go.uber.org/zap"
)

// ErrNotFound is returned by Get when no address is recorded for an index.
var ErrNotFound = errors.New("mapping not found")

const filePerm = 0o644

// Store is a durable ledger-index → content-address map persisted as a
// single JSON object. Every Set rewrites the whole file atomically; readers
// of the file never see a partial write.
//
// Store is safe for concurrent use. Writes are serialised by mu.
type Store struct {
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[int]string
}

// Open migrates the file at path to the current format if needed and loads
// it. A missing file yields an empty store; the file is created on the first
// Set.
func Open(path string, logger *zap.Logger) (*Store, error) {
	res, err := Migrate(path, logger)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, entries: res.Entries}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Set records address for index, replacing any earlier address (last write
// wins). The in-memory view is updated only after the file has been
// replaced.
func (s *Store) Set(index int, address string) error {
	if index < 0 {
		return fmt.Errorf("index %d is negative", index)
	}
	if address == "" {
		return fmt.Errorf("empty address for index %d", index)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[int]string, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	next[index] = address

	if err := writeCurrent(s.path, next); err != nil {
		return fmt.Errorf("persist mapping %d: %w", index, err)
	}
	s.entries = next

	s.logger.Debug("mapping recorded", zap.Int("idx", index), zap.String("address", address))
	return nil
}

// Get returns the address recorded for index.
func (s *Store) Get(index int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.entries[index]
	if !ok {
		return "", fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	return addr, nil
}

// All returns a copy of every mapping.
func (s *Store) All() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Indices returns the mapped indices in ascending order.
func (s *Store) Indices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of mappings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// encodeCurrent renders entries in the current on-disk format: a single
// object keyed by the decimal index.
func encodeCurrent(entries map[int]string) ([]byte, error) {
	keyed := make(map[string]string, len(entries))
	for k, v := range entries {
		keyed[strconv.Itoa(k)] = v
	}
	return json.Marshal(keyed)
}

func writeCurrent(path string, entries map[int]string) error {
	data, err := encodeCurrent(entries)
	if err != nil {
		return fmt.Errorf("encode mapping: %w", err)
	}
	return atomicfile.WriteFile(path, data, filePerm)
}
