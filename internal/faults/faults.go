// Package faults defines the failure categories shared by the ledger and
// off-chain store adapters. Adapters wrap transport and decoding failures in
// one of these sentinels so callers can classify them with errors.Is.
package faults

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is a connection, transport, or service-side failure.
	// It is always safe to retry.
	ErrUnavailable = errors.New("service unavailable")

	// ErrNotFound means the index or address does not exist.
	ErrNotFound = errors.New("not found")

	// ErrMalformed means a payload was present but could not be decoded
	// into the expected structure.
	ErrMalformed = errors.New("malformed payload")
)

// IsRetryable reports whether err is a transient failure. Timeouts count as
// transient; cancellation of the caller's context does not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
