package ledger

import "context"

// Ledger is the append-only record of call fingerprints. Both MemoryLedger
// and PostgresLedger implement this interface.
//
// Indices are assigned by the ledger inside its own critical section, so two
// concurrent Appends never receive the same index. Callers must use the
// index on the returned entry and never derive it from Len.
type Ledger interface {
	// Append adds rec as the next entry, chained to its predecessor.
	// It either returns the committed entry or an error; there is no
	// pending state.
	Append(ctx context.Context, rec Record) (*Entry, error)

	// Get returns the entry at the given zero-based index. An index out
	// of range yields an error wrapping faults.ErrNotFound.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries.
	Len(ctx context.Context) (int, error)

	// FindByFingerprint returns the earliest entry with the given
	// fingerprint, or an error wrapping faults.ErrNotFound.
	FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error)

	// Verify walks the entire chain and checks hash consistency.
	// Returns nil if the chain is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the most recent entry, or GenesisHash for
	// an empty ledger.
	Root(ctx context.Context) (string, error)
}
