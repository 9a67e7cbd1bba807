package pipeline

import (
	"github.com/jmerrifield20/cdrledger/internal/cdr"
)

// Stage is a step of the per-record ingest state machine.
type Stage string

const (
	StageReceived        Stage = "received"
	StageParsed          Stage = "parsed"
	StageOffchainStored  Stage = "offchain_stored"
	StageOnchainAppended Stage = "onchain_appended"
	StageMappingRecorded Stage = "mapping_recorded"
	StageBackedUp        Stage = "backed_up"
	StageDone            Stage = "done"
)

// Result is the outcome of ingesting one record.
//
// When Err is non-nil, Stage is the stage that could not be reached and the
// record is in the terminal failed(Stage) state. Otherwise Stage is
// StageDone.
type Result struct {
	AttemptID   string
	Stage       Stage
	Index       int // -1 until the ledger has assigned one
	Address     string
	Fingerprint cdr.Fingerprint
	Record      cdr.CallRecord

	// Degraded means the ledger entry exists but its mapping could not be
	// recorded, so it cannot be verified until repaired.
	Degraded bool
	// Duplicate means the fingerprint was already on the ledger and nothing
	// was appended.
	Duplicate bool
	// Repaired means a duplicate's missing mapping was rewritten.
	Repaired bool
	// BackedUp means the record reached StageBackedUp: it was written to
	// the local backup log.
	BackedUp bool

	Err error
}

// Failed reports whether the record ended in failed(Stage).
func (r Result) Failed() bool { return r.Err != nil }

// Status renders the outcome for logs and API responses.
func (r Result) Status() string {
	switch {
	case r.Err != nil:
		return "failed(" + string(r.Stage) + ")"
	case r.Duplicate:
		return "duplicate"
	case r.Degraded:
		return "degraded"
	default:
		return string(r.Stage)
	}
}

// RestoreSummary reports a bulk restore from the local backup.
type RestoreSummary struct {
	Total    int `json:"total"`
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`  // already on the ledger
	Repaired int `json:"repaired"` // already on the ledger; mapping rewritten
	Degraded int `json:"degraded"`
	Failed   int `json:"failed"`
}
