package cdr

import (
	"encoding/csv"
	"fmt"
	"strings"
)

// Schema maps record fields to zero-based CSV column positions. A negative
// position means the source does not carry that column.
type Schema struct {
	Name     string `mapstructure:"name"`
	Caller   int    `mapstructure:"caller"`
	Callee   int    `mapstructure:"callee"`
	Start    int    `mapstructure:"start"`
	End      int    `mapstructure:"end"`
	Duration int    `mapstructure:"duration"`
	Status   int    `mapstructure:"status"`
	Cost     int    `mapstructure:"cost"`
	CallType int    `mapstructure:"call_type"`
	Network  int    `mapstructure:"network"`
}

// AsteriskMaster is the column layout of Asterisk's cdr-csv Master.csv:
// accountcode, src, dst, dcontext, clid, channel, dstchannel, lastapp,
// lastdata, start, answer, end, duration, billsec, disposition, amaflags.
// The billed seconds (billsec) are used as the duration.
var AsteriskMaster = Schema{
	Name:     "asterisk-master",
	Caller:   1,
	Callee:   2,
	Start:    9,
	End:      11,
	Duration: 13,
	Status:   14,
	Cost:     -1,
	CallType: -1,
	Network:  -1,
}

// Extended is the layout with trailing cost, call type, and network columns
// and the raw duration in column 12.
var Extended = Schema{
	Name:     "extended",
	Caller:   1,
	Callee:   2,
	Start:    9,
	End:      11,
	Duration: 12,
	Status:   -1,
	Cost:     13,
	CallType: 14,
	Network:  15,
}

// SchemaByName returns a preset schema.
func SchemaByName(name string) (Schema, error) {
	switch name {
	case "", AsteriskMaster.Name:
		return AsteriskMaster, nil
	case Extended.Name:
		return Extended, nil
	default:
		return Schema{}, fmt.Errorf("unknown source schema %q", name)
	}
}

// minColumns is the number of columns a line needs for every required
// position to be present.
func (s Schema) minColumns() int {
	n := 0
	for _, p := range []int{s.Caller, s.Callee} {
		if p+1 > n {
			n = p + 1
		}
	}
	return n
}

// Parse turns one raw source line into a CallRecord. Optional columns past
// the end of the line are left empty.
func (s Schema) Parse(line string) (CallRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return CallRecord{}, fmt.Errorf("%w: empty line", ErrMalformedRecord)
	}

	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	cols, err := r.Read()
	if err != nil {
		return CallRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if len(cols) < s.minColumns() {
		return CallRecord{}, fmt.Errorf("%w: %d columns, need at least %d",
			ErrMalformedRecord, len(cols), s.minColumns())
	}

	col := func(pos int) string {
		if pos < 0 || pos >= len(cols) {
			return ""
		}
		return strings.TrimSpace(strings.Trim(cols[pos], `"`))
	}

	rec := CallRecord{
		Caller:   col(s.Caller),
		Callee:   col(s.Callee),
		Start:    col(s.Start),
		End:      col(s.End),
		Duration: ParseDuration(col(s.Duration)),
		Status:   col(s.Status),
		Cost:     col(s.Cost),
		CallType: col(s.CallType),
		Network:  col(s.Network),
	}
	if err := rec.Validate(); err != nil {
		return CallRecord{}, err
	}
	return rec, nil
}
