// Package billing prices calls. A bill is only ever derived from a record
// that has just passed verification; the duration comes from the verified
// off-chain payload, never from the ledger alone.
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/jmerrifield20/cdrledger/internal/verify"
)

// ErrDenied is returned when the record at an index is not verified.
var ErrDenied = errors.New("billing denied")

// DeniedError carries the verification report that caused a denial.
type DeniedError struct {
	Report verify.Report
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("%s: index %d is %s", ErrDenied, e.Report.Index, e.Report.Status)
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// Config holds the process-wide tariff.
type Config struct {
	RatePerSecond float64
	Decimals      int // places after the point; negative means 2
	Currency      string
}

// Verifier is the subset of verify.Verifier used for billing.
type Verifier interface {
	Verify(ctx context.Context, index int) verify.Report
}

// Bill is a priced call.
type Bill struct {
	Index         int     `json:"index"`
	Caller        string  `json:"caller"`
	Callee        string  `json:"callee"`
	Start         string  `json:"start"`
	Duration      int64   `json:"duration"`
	RatePerSecond float64 `json:"rate_per_second"`
	Cost          float64 `json:"cost"`
	Amount        string  `json:"amount"` // Cost formatted to Decimals places
	Currency      string  `json:"currency,omitempty"`
	Address       string  `json:"address"`
	Fingerprint   string  `json:"fingerprint"`
}

// Biller computes bills for verified records.
type Biller struct {
	cfg      Config
	verifier Verifier
}

// New creates a Biller. Zero decimals rounds to whole units; a negative
// value means 2.
func New(cfg Config, verifier Verifier) *Biller {
	if cfg.Decimals < 0 {
		cfg.Decimals = 2
	}
	return &Biller{cfg: cfg, verifier: verifier}
}

// Bill verifies the record at index and prices it. Any status other than
// verified yields a *DeniedError, which matches ErrDenied.
func (b *Biller) Bill(ctx context.Context, index int) (*Bill, error) {
	rep := b.verifier.Verify(ctx, index)
	if !rep.Verified() || rep.Record == nil {
		return nil, &DeniedError{Report: rep}
	}

	cost := Cost(rep.Record.Duration, b.cfg.RatePerSecond, b.cfg.Decimals)
	return &Bill{
		Index:         index,
		Caller:        rep.Record.Caller,
		Callee:        rep.Record.Callee,
		Start:         rep.Record.Start,
		Duration:      rep.Record.Duration,
		RatePerSecond: b.cfg.RatePerSecond,
		Cost:          cost,
		Amount:        strconv.FormatFloat(cost, 'f', b.cfg.Decimals, 64),
		Currency:      b.cfg.Currency,
		Address:       rep.Address,
		Fingerprint:   rep.Entry.Fingerprint,
	}, nil
}

// Cost returns seconds × rate rounded half away from zero to decimals
// places.
func Cost(seconds int64, rate float64, decimals int) float64 {
	scale := math.Pow10(decimals)
	raw := float64(seconds) * rate * scale
	// Absorb representation error such as 0.5 stored as 0.49999999.
	return math.Round(raw*(1+1e-12)) / scale
}
