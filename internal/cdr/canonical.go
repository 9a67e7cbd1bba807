package cdr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// CanonicalForm is the one deterministic serialisation of a CallRecord:
// a compact JSON object of string values with keys in lexicographic order.
type CanonicalForm []byte

// Fingerprint is the hex-encoded SHA-256 digest of a CanonicalForm.
type Fingerprint string

// Canonicalize validates rec and returns its canonical form and fingerprint.
// It is a pure function: equal field values always give equal bytes.
func Canonicalize(rec CallRecord) (CanonicalForm, Fingerprint, error) {
	if err := rec.Validate(); err != nil {
		return nil, "", err
	}
	form, err := encodeFields(rec.Fields())
	if err != nil {
		return nil, "", err
	}
	return form, FingerprintOf(form), nil
}

// FingerprintOf hashes already-canonical bytes.
func FingerprintOf(form CanonicalForm) Fingerprint {
	sum := sha256.Sum256(form)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// encodeFields relies on encoding/json sorting map keys. HTML escaping is
// disabled so that '<', '>' and '&' in caller IDs are kept verbatim.
func encodeFields(fields map[string]string) (CanonicalForm, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return CanonicalForm(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
