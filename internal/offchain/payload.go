package offchain

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"github.com/jmerrifield20/cdrledger/internal/faults"
)

// Payload is a decoded off-chain object.
type Payload struct {
	// Fields holds the record fields with every value rendered as a string.
	Fields map[string]string
	// Raw is the body exactly as fetched.
	Raw []byte
}

// Record rebuilds the CallRecord using the canonicalizer's coercion rules.
func (p *Payload) Record() cdr.CallRecord {
	return cdr.FromFields(p.Fields)
}

// envelope is the object written by Put.
type envelope struct {
	CDR json.RawMessage `json:"cdr"`
}

// EncodePayload wraps canonical bytes in the {"cdr": {...}} envelope.
func EncodePayload(form cdr.CanonicalForm) ([]byte, error) {
	if !json.Valid(form) {
		return nil, fmt.Errorf("canonical form is not valid JSON")
	}
	return json.Marshal(envelope{CDR: json.RawMessage(form)})
}

// DecodePayload extracts record fields from an off-chain body. It accepts
// the {"cdr": {...}} envelope, the older envelope whose "cdr" member is the
// canonical form as a JSON string, and a bare record object. Bodies that are
// not a single JSON document (newline-delimited values, trailing garbage)
// are tolerated: the first line that decodes as an object wins.
func DecodePayload(data []byte) (*Payload, error) {
	obj, err := firstObject(data)
	if err != nil {
		return nil, err
	}

	if inner, ok := obj["cdr"]; ok {
		switch v := inner.(type) {
		case map[string]any:
			obj = v
		case string:
			nested, err := firstObject([]byte(v))
			if err != nil {
				return nil, fmt.Errorf("decode embedded cdr string: %w", err)
			}
			obj = nested
		default:
			return nil, fmt.Errorf("%w: cdr member has type %T", faults.ErrMalformed, inner)
		}
	}

	fields := make(map[string]string, len(obj))
	for k, v := range obj {
		fields[k] = stringify(v)
	}
	if fields[cdr.FieldCaller] == "" && fields[cdr.FieldCallee] == "" {
		return nil, fmt.Errorf("%w: payload has no caller or callee", faults.ErrMalformed)
	}
	return &Payload{Fields: fields, Raw: data}, nil
}

// firstObject decodes the leading JSON object of data, falling back to a
// line-by-line scan.
func firstObject(data []byte) (map[string]any, error) {
	if obj, ok := decodeObject(data); ok {
		return obj, nil
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if obj, ok := decodeObject(sc.Bytes()); ok {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("%w: no JSON object found", faults.ErrMalformed)
}

// decodeObject decodes the first JSON value of data and ignores whatever
// follows it.
func decodeObject(data []byte) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}
