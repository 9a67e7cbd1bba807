package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// GenesisHash is the PrevHash of the entry at index 0. All later entries
// chain from it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Record is what a caller submits to Append: the on-chain fields of a call
// record plus the fingerprint of its canonical form.
type Record struct {
	Caller      string `json:"caller"`
	Callee      string `json:"callee"`
	Duration    int64  `json:"duration"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Fingerprint string `json:"fingerprint"`
}

// Entry is an appended, immutable ledger record.
type Entry struct {
	Index       int       `json:"index"`
	Caller      string    `json:"caller"`
	Callee      string    `json:"callee"`
	Duration    int64     `json:"duration"`
	Status      string    `json:"status"`
	Timestamp   string    `json:"timestamp"` // call start, source format
	Fingerprint string    `json:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Record returns the submitted fields of e.
func (e *Entry) Record() Record {
	return Record{
		Caller:      e.Caller,
		Callee:      e.Callee,
		Duration:    e.Duration,
		Status:      e.Status,
		Timestamp:   e.Timestamp,
		Fingerprint: e.Fingerprint,
	}
}

// hashEntry computes a deterministic SHA-256 hash over an entry's fields,
// including the hash of its predecessor.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%s|%d|%s|%s|%s|%s",
		e.Index, e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.Caller, e.Callee, e.Duration, e.Status, e.Timestamp,
		e.Fingerprint, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// verifyChain checks that entries form an unbroken hash chain starting at
// index 0.
func verifyChain(prev *Entry, curr *Entry) error {
	if prev == nil {
		if curr.Index != 0 {
			return fmt.Errorf("chain starts at index %d, want 0", curr.Index)
		}
		if curr.PrevHash != GenesisHash {
			return fmt.Errorf("entry 0 does not chain from genesis")
		}
	} else {
		if curr.Index != prev.Index+1 {
			return fmt.Errorf("gap in ledger after index %d", prev.Index)
		}
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
