package mapping

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/atomicfile"
	"go.uber.org/zap"
)

// Format identifies the on-disk representation found by Migrate.
type Format string

const (
	FormatMissing Format = "missing" // no file yet
	FormatCurrent Format = "current" // single keyed object
	FormatLegacy  Format = "legacy"  // one JSON object per line
	FormatCorrupt Format = "corrupt" // neither; quarantined
)

// MigrationResult describes what Migrate found and did.
type MigrationResult struct {
	Format    Format
	Entries   map[int]string
	Skipped   int  // legacy lines that could not be used
	Rewritten bool // file was rewritten in the current format
	// Moved is where the original contents were kept when the rewrite
	// dropped something: the quarantined file, or a copy of a legacy file
	// with skipped lines.
	Moved string
}

// legacyLine is one line of the newline-delimited format. The oldest writer
// keyed lines by record hash instead of ledger index; those lines carry no
// index and cannot be migrated.
type legacyLine struct {
	Idx     *int   `json:"idx"`
	IPFSCID string `json:"ipfs_cid"`
	Hash    string `json:"hash"`
}

// Migrate brings the mapping file at path to the current format. It first
// tries to parse the whole file as the current keyed object; when that fails
// it reads the legacy line format, skipping malformed lines, and rewrites the
// file once. Running it on an already-migrated file changes nothing.
//
// A file with no decodable content at all is moved aside and replaced by an
// empty mapping, with a warning. A legacy file with lines that could not be
// migrated is copied aside before it is rewritten.
func Migrate(path string, logger *zap.Logger) (*MigrationResult, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &MigrationResult{Format: FormatMissing, Entries: map[int]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return &MigrationResult{Format: FormatCurrent, Entries: map[int]string{}}, nil
	}

	if entries, ok := decodeCurrent(data); ok {
		return &MigrationResult{Format: FormatCurrent, Entries: entries}, nil
	}

	entries, decoded, skipped := decodeLegacy(data, logger)
	res := &MigrationResult{Entries: entries, Skipped: skipped}

	if decoded == 0 {
		moved, err := atomicfile.Quarantine(path, strconv.FormatInt(time.Now().Unix(), 10))
		if err != nil {
			return nil, err
		}
		logger.Warn("mapping file unreadable; moved aside and starting empty",
			zap.String("path", path),
			zap.String("moved_to", moved),
		)
		res.Format = FormatCorrupt
		res.Moved = moved
	} else {
		res.Format = FormatLegacy
		if skipped > 0 {
			saved := path + ".legacy-" + strconv.FormatInt(time.Now().Unix(), 10)
			if err := atomicfile.WriteFile(saved, data, filePerm); err != nil {
				return nil, fmt.Errorf("keep legacy mapping file: %w", err)
			}
			logger.Warn("legacy mapping lines dropped; original kept",
				zap.String("path", path),
				zap.String("saved_to", saved),
				zap.Int("skipped", skipped),
			)
			res.Moved = saved
		}
	}

	if err := writeCurrent(path, entries); err != nil {
		return nil, fmt.Errorf("rewrite mapping file: %w", err)
	}
	res.Rewritten = true

	logger.Info("mapping file migrated",
		zap.String("path", path),
		zap.String("from", string(res.Format)),
		zap.Int("entries", len(entries)),
		zap.Int("skipped", skipped),
	)
	return res, nil
}

// decodeCurrent accepts only an object whose keys are all non-negative
// decimal integers.
func decodeCurrent(data []byte) (map[int]string, bool) {
	var keyed map[string]string
	if err := json.Unmarshal(data, &keyed); err != nil {
		return nil, false
	}
	out := make(map[int]string, len(keyed))
	for k, v := range keyed {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			return nil, false
		}
		out[idx] = v
	}
	return out, true
}

// decodeLegacy returns the usable entries, the number of lines that were
// valid JSON objects, and the number of lines skipped.
func decodeLegacy(data []byte, logger *zap.Logger) (map[int]string, int, int) {
	entries := make(map[int]string)
	decoded, skipped := 0, 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l legacyLine
		if err := json.Unmarshal(line, &l); err != nil {
			skipped++
			logger.Warn("mapping: skipping malformed legacy line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		decoded++
		if l.Idx == nil || *l.Idx < 0 || l.IPFSCID == "" {
			skipped++
			logger.Warn("mapping: legacy line has no usable index",
				zap.Int("line", lineNo),
				zap.String("hash", l.Hash),
			)
			continue
		}
		entries[*l.Idx] = l.IPFSCID
	}
	return entries, decoded, skipped
}
