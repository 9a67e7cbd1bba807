// Package offchain stores full call records in a content-addressed store and
// reads them back for verification.
//
// Adapters normalise every failure into faults.ErrUnavailable,
// faults.ErrNotFound, or faults.ErrMalformed.
package offchain

import "context"

// Store is a content-addressed object store.
type Store interface {
	// Put stores data and returns its content address.
	Put(ctx context.Context, data []byte) (string, error)

	// Get fetches and decodes the object at address.
	Get(ctx context.Context, address string) (*Payload, error)

	// Pin asks the store to retain address. Callers treat failure as
	// non-fatal.
	Pin(ctx context.Context, address string) error
}
