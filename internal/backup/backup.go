// Package backup keeps a local disaster-recovery copy of every ingested
// record. The log is a JSON array that is rewritten atomically on each
// append and never truncated.
package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/atomicfile"
	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"go.uber.org/zap"
)

const filePerm = 0o644

// Entry is a full copy of a submitted record plus where it landed.
type Entry struct {
	Index       int             `json:"index"`
	Address     string          `json:"address"`
	Fingerprint cdr.Fingerprint `json:"fingerprint"`
	Record      cdr.CallRecord  `json:"record"`
	BackedUpAt  time.Time       `json:"backed_up_at"`
}

// Log is the append-only backup file. It is safe for concurrent use.
type Log struct {
	path    string
	logger  *zap.Logger
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// Open loads the backup at path. A missing file yields an empty log. A file
// that is not a JSON array of entries is moved aside and the log starts
// empty.
func Open(path string, logger *zap.Logger) (*Log, error) {
	l := &Log{path: path, logger: logger, now: time.Now}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return l, nil
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		moved, qerr := atomicfile.Quarantine(path, strconv.FormatInt(time.Now().Unix(), 10))
		if qerr != nil {
			return nil, fmt.Errorf("backup unreadable (%v) and could not be moved aside: %w", err, qerr)
		}
		logger.Warn("backup file unreadable; moved aside and starting empty",
			zap.String("path", path),
			zap.String("moved_to", moved),
			zap.Error(err),
		)
		return l, nil
	}
	l.entries = entries
	return l, nil
}

// Append adds e to the log and rewrites the file. A zero BackedUpAt is set
// to the current time.
func (l *Log) Append(e Entry) error {
	if e.BackedUpAt.IsZero() {
		e.BackedUpAt = l.now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := make([]Entry, len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	next = append(next, e)

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	if err := atomicfile.WriteFile(l.path, data, filePerm); err != nil {
		return fmt.Errorf("persist backup: %w", err)
	}
	l.entries = next
	return nil
}

// All returns a copy of every entry in append order.
func (l *Log) All() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Path returns the backing file path.
func (l *Log) Path() string { return l.path }
