package cdr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedRecord is returned for input that cannot be turned into a
// CallRecord, either because the line is too short or because caller or
// callee is empty.
var ErrMalformedRecord = errors.New("malformed call record")

// Field names used in the canonical form and in off-chain payloads.
const (
	FieldCallee   = "callee"
	FieldCaller   = "caller"
	FieldCallType = "call_type"
	FieldCost     = "cost"
	FieldDuration = "duration"
	FieldEnd      = "end"
	FieldNetwork  = "network"
	FieldStart    = "start"
	FieldStatus   = "status"
)

// CallRecord is one call-detail record as read from the source log.
type CallRecord struct {
	Caller   string `json:"caller"`
	Callee   string `json:"callee"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int64  `json:"duration"` // seconds, never negative
	Status   string `json:"status,omitempty"`
	CallType string `json:"call_type,omitempty"`
	Network  string `json:"network,omitempty"`
	Cost     string `json:"cost,omitempty"`
}

// Fields returns the record as a field-name → value map. Optional fields
// are present only when non-empty.
func (r CallRecord) Fields() map[string]string {
	f := map[string]string{
		FieldCaller:   r.Caller,
		FieldCallee:   r.Callee,
		FieldStart:    r.Start,
		FieldEnd:      r.End,
		FieldDuration: strconv.FormatInt(r.Duration, 10),
	}
	optional := map[string]string{
		FieldStatus:   r.Status,
		FieldCallType: r.CallType,
		FieldNetwork:  r.Network,
		FieldCost:     r.Cost,
	}
	for k, v := range optional {
		if v != "" {
			f[k] = v
		}
	}
	return f
}

// FromFields builds a CallRecord from an unordered field set. Unknown keys
// are ignored. String values are taken verbatim so that the rebuilt record
// canonicalizes to the same bytes as the one that was stored; only the
// duration is coerced, with ParseDuration.
func FromFields(fields map[string]string) CallRecord {
	return CallRecord{
		Caller:   fields[FieldCaller],
		Callee:   fields[FieldCallee],
		Start:    fields[FieldStart],
		End:      fields[FieldEnd],
		Duration: ParseDuration(fields[FieldDuration]),
		Status:   fields[FieldStatus],
		CallType: fields[FieldCallType],
		Network:  fields[FieldNetwork],
		Cost:     fields[FieldCost],
	}
}

// ParseDuration coerces a source duration to whole non-negative seconds.
// Empty, unparsable, and negative values yield 0. A fractional value such
// as "12.7" is truncated to 12.
func ParseDuration(s string) int64 {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "" {
		return 0
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0
		}
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 && f < 1<<62 {
		return int64(f)
	}
	return 0
}

// Validate checks the required fields.
func (r CallRecord) Validate() error {
	if strings.TrimSpace(r.Caller) == "" {
		return fmt.Errorf("%w: caller is empty", ErrMalformedRecord)
	}
	if strings.TrimSpace(r.Callee) == "" {
		return fmt.Errorf("%w: callee is empty", ErrMalformedRecord)
	}
	return nil
}
