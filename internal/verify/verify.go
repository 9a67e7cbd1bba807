// Package verify checks that a ledger entry and its off-chain payload agree.
//
// The payload is not compared byte for byte. Its fields are decoded, the
// canonical form is rebuilt with the same rules the pipeline used, and the
// resulting fingerprint is compared with the one on the ledger. Verification
// never writes to any store.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"github.com/jmerrifield20/cdrledger/internal/mapping"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"go.uber.org/zap"
)

// EventMismatch is dispatched when a payload no longer matches its ledger
// fingerprint.
const EventMismatch = "cdr.mismatch"

// Status is the outcome of a verification.
type Status string

const (
	StatusVerified       Status = "verified"
	StatusMismatch       Status = "mismatch"
	StatusMissingMapping Status = "missing_mapping"
	StatusFetchError     Status = "fetch_error"
	StatusNotFound       Status = "not_found"
	StatusError          Status = "error"
)

// Report is the result of verifying one ledger index.
type Report struct {
	Status     Status          `json:"status"`
	Index      int             `json:"index"`
	Entry      *ledger.Entry   `json:"entry,omitempty"`
	Address    string          `json:"address,omitempty"`
	Record     *cdr.CallRecord `json:"record,omitempty"`
	Recomputed cdr.Fingerprint `json:"recomputed,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CheckedAt  time.Time       `json:"checked_at"`
}

// Verified reports whether the entry and payload agree.
func (r Report) Verified() bool { return r.Status == StatusVerified }

// QueryStatus collapses Status into the values shown by list views:
// verified, mismatch, pending (no mapping yet) or error.
func (r Report) QueryStatus() string {
	switch r.Status {
	case StatusVerified, StatusMismatch:
		return string(r.Status)
	case StatusMissingMapping:
		return "pending"
	default:
		return "error"
	}
}

// Mappings resolves a ledger index to a content address.
type Mappings interface {
	Get(index int) (string, error)
}

// MetricsRecordFunc is an optional callback invoked once per verification.
type MetricsRecordFunc func(status Status, cached bool)

// EventDispatchFunc is an optional callback for mismatch notifications.
type EventDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Verifier checks ledger entries against their off-chain payloads.
type Verifier struct {
	ledger   ledger.Ledger
	mappings Mappings
	store    offchain.Store
	cache    *reportCache
	logger   *zap.Logger
	now      func() time.Time

	onMetrics MetricsRecordFunc
	onEvent   EventDispatchFunc
}

// New creates a Verifier without a cache.
func New(led ledger.Ledger, mappings Mappings, store offchain.Store, logger *zap.Logger) *Verifier {
	return &Verifier{
		ledger:   led,
		mappings: mappings,
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EnableCache keeps verified reports for ttl. A zero ttl disables caching.
func (v *Verifier) EnableCache(ttl time.Duration) {
	if ttl <= 0 {
		v.cache = nil
		return
	}
	v.cache = newReportCache(ttl)
}

// StartEviction removes expired cache entries every interval until quit is
// closed.
func (v *Verifier) StartEviction(interval time.Duration, quit <-chan struct{}) {
	if v.cache == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := v.cache.evict(); n > 0 {
				v.logger.Debug("verify cache: evicted", zap.Int("count", n))
			}
		case <-quit:
			return
		}
	}
}

// SetMetricsRecord configures the metrics callback.
func (v *Verifier) SetMetricsRecord(fn MetricsRecordFunc) {
	v.onMetrics = fn
}

// SetEventDispatch configures the notification callback.
func (v *Verifier) SetEventDispatch(fn EventDispatchFunc) {
	v.onEvent = fn
}

// Verify checks the entry at index. Every failure is reported through the
// returned Report; it never panics on missing data.
func (v *Verifier) Verify(ctx context.Context, index int) Report {
	rep, cached := v.verify(ctx, index)
	rep.CheckedAt = v.now()

	if v.onMetrics != nil {
		v.onMetrics(rep.Status, cached)
	}
	if cached {
		return rep
	}

	log := v.logger.With(zap.Int("idx", index), zap.String("status", string(rep.Status)))
	switch rep.Status {
	case StatusVerified:
		log.Debug("verified")
	case StatusMismatch:
		log.Warn("fingerprint mismatch", zap.String("address", rep.Address), zap.String("reason", rep.Reason))
		if v.onEvent != nil {
			v.onEvent(ctx, EventMismatch, map[string]string{
				"index":       strconv.Itoa(index),
				"address":     rep.Address,
				"fingerprint": rep.Entry.Fingerprint,
				"recomputed":  string(rep.Recomputed),
			})
		}
	default:
		log.Info("verification incomplete", zap.String("reason", rep.Reason))
	}
	return rep
}

func (v *Verifier) verify(ctx context.Context, index int) (Report, bool) {
	rep := Report{Index: index}

	if index < 0 {
		rep.Status = StatusNotFound
		rep.Reason = fmt.Sprintf("index %d is negative", index)
		return rep, false
	}

	entry, err := v.ledger.Get(ctx, index)
	if err != nil {
		rep.Reason = err.Error()
		if errors.Is(err, faults.ErrNotFound) {
			rep.Status = StatusNotFound
		} else {
			rep.Status = StatusError
		}
		return rep, false
	}
	rep.Entry = entry

	addr, err := v.mappings.Get(index)
	if err != nil {
		rep.Reason = err.Error()
		if errors.Is(err, mapping.ErrNotFound) || errors.Is(err, faults.ErrNotFound) {
			rep.Status = StatusMissingMapping
		} else {
			rep.Status = StatusError
		}
		return rep, false
	}
	rep.Address = addr

	if v.cache != nil {
		if hit, ok := v.cache.get(index, addr); ok {
			return hit, true
		}
	}

	payload, err := v.store.Get(ctx, addr)
	if err != nil {
		rep.Status = StatusFetchError
		rep.Reason = err.Error()
		return rep, false
	}
	rec := payload.Record()
	rep.Record = &rec

	_, fp, err := cdr.Canonicalize(rec)
	if err != nil {
		rep.Status = StatusMismatch
		rep.Reason = "payload cannot be canonicalized: " + err.Error()
		return rep, false
	}
	rep.Recomputed = fp

	if string(fp) != entry.Fingerprint {
		rep.Status = StatusMismatch
		rep.Reason = "recomputed fingerprint differs from ledger"
		return rep, false
	}

	rep.Status = StatusVerified
	if v.cache != nil {
		v.cache.set(rep)
	}
	return rep, false
}
