// Package pipeline turns source log lines into anchored records: the full
// record goes to the off-chain store, its fingerprint to the ledger, and the
// resulting index → address pair to the mapping store.
//
// A ledger entry is never appended unless the off-chain payload was stored
// first. The ledger append and the mapping write happen under one mutex so
// that the index recorded in the mapping is always the one the ledger
// assigned to this record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/cdrledger/internal/backup"
	"github.com/jmerrifield20/cdrledger/internal/cdr"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"github.com/jmerrifield20/cdrledger/internal/ledger"
	"github.com/jmerrifield20/cdrledger/internal/offchain"
	"github.com/jmerrifield20/cdrledger/internal/retry"
	"github.com/jmerrifield20/cdrledger/internal/tailer"
	"go.uber.org/zap"
)

// Event types dispatched by the pipeline.
const (
	EventIngestFailed = "cdr.ingest_failed"
	EventDegraded     = "cdr.degraded"
)

// MappingStore is the subset of mapping.Store used by the pipeline.
type MappingStore interface {
	Set(index int, address string) error
	Get(index int) (string, error)
}

// BackupLog is the subset of backup.Log used by the pipeline.
type BackupLog interface {
	Append(e backup.Entry) error
	All() []backup.Entry
}

// ResultRecorder is an optional callback invoked once per ingested record.
type ResultRecorder func(r Result)

// EventDispatchFunc is an optional callback for failure notifications.
type EventDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// Config holds pipeline settings.
type Config struct {
	Schema     cdr.Schema
	Retry      retry.Policy
	PinTimeout time.Duration // default 30s
}

// Pipeline ingests records one at a time. Ingest may be called from several
// goroutines; the append and mapping steps are serialised internally.
type Pipeline struct {
	cfg     Config
	store   offchain.Store
	ledger  ledger.Ledger
	mapping MappingStore
	backup  BackupLog
	logger  *zap.Logger

	appendMu sync.Mutex

	onResult ResultRecorder
	onEvent  EventDispatchFunc
}

// New creates a Pipeline. bk may be nil to disable the local backup.
func New(cfg Config, store offchain.Store, led ledger.Ledger, mapping MappingStore, bk BackupLog, logger *zap.Logger) *Pipeline {
	if cfg.PinTimeout == 0 {
		cfg.PinTimeout = 30 * time.Second
	}
	return &Pipeline{
		cfg:     cfg,
		store:   store,
		ledger:  led,
		mapping: mapping,
		backup:  bk,
		logger:  logger,
	}
}

// SetResultRecorder configures the per-record metrics callback.
func (p *Pipeline) SetResultRecorder(fn ResultRecorder) {
	p.onResult = fn
}

// SetEventDispatch configures the notification callback.
func (p *Pipeline) SetEventDispatch(fn EventDispatchFunc) {
	p.onEvent = fn
}

// Run consumes lines until the channel is closed or ctx is done. Each line
// is parsed and ingested; failures are logged and never stop the loop.
// After a line has been handled its checkpoint is passed to commit, which
// may be nil.
func (p *Pipeline) Run(ctx context.Context, lines <-chan tailer.Line, commit func(tailer.Checkpoint) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			res := p.IngestLine(ctx, line.Text)
			if ctx.Err() != nil && res.Failed() {
				// Aborted mid-record; leave the checkpoint so the line is
				// retried on the next start.
				return ctx.Err()
			}
			if commit != nil {
				if err := commit(line.Checkpoint); err != nil {
					p.logger.Warn("commit source checkpoint", zap.Error(err))
				}
			}
		}
	}
}

// IngestLine parses one raw source line and ingests it.
func (p *Pipeline) IngestLine(ctx context.Context, line string) Result {
	rec, err := p.cfg.Schema.Parse(line)
	if err != nil {
		res := Result{AttemptID: uuid.NewString(), Stage: StageParsed, Index: -1, Err: err}
		p.logger.Warn("skipping malformed source line",
			zap.String("attempt_id", res.AttemptID),
			zap.String("line", truncate(line)),
			zap.Error(err),
		)
		p.finish(ctx, res, line)
		return res
	}
	return p.Ingest(ctx, rec)
}

// Ingest anchors rec. A record whose fingerprint is already on the ledger
// is short-circuited as a duplicate; its mapping is rewritten if missing.
func (p *Pipeline) Ingest(ctx context.Context, rec cdr.CallRecord) Result {
	res := p.ingest(ctx, rec, true)
	p.finish(ctx, res, "")
	return res
}

func (p *Pipeline) ingest(ctx context.Context, rec cdr.CallRecord, withBackup bool) Result {
	res := Result{AttemptID: uuid.NewString(), Stage: StageReceived, Index: -1, Record: rec}
	log := p.logger.With(zap.String("attempt_id", res.AttemptID))

	form, fp, err := cdr.Canonicalize(rec)
	if err != nil {
		return failed(res, StageParsed, err)
	}
	res.Stage = StageParsed
	res.Fingerprint = fp
	log = log.With(zap.String("fingerprint", string(fp)))

	payload, err := offchain.EncodePayload(form)
	if err != nil {
		return failed(res, StageOffchainStored, err)
	}

	if existing, ok := p.findExisting(ctx, fp, log); ok {
		return p.duplicate(ctx, res, existing, payload, log)
	}

	addr, err := p.put(ctx, payload)
	if err != nil {
		return failed(res, StageOffchainStored, err)
	}
	res.Stage = StageOffchainStored
	res.Address = addr

	entry, existed, degraded, err := p.appendAndMap(ctx, rec, fp, addr, log)
	if err != nil {
		return failed(res, StageOnchainAppended, err)
	}
	if existed {
		// Another ingest of the same record won the append.
		return p.duplicate(ctx, res, entry, payload, log)
	}
	res.Index = entry.Index
	res.Degraded = degraded
	res.Stage = StageMappingRecorded

	p.pin(ctx, addr, log)

	if withBackup && p.backup != nil {
		err := p.backup.Append(backup.Entry{
			Index:       entry.Index,
			Address:     addr,
			Fingerprint: fp,
			Record:      rec,
		})
		if err != nil {
			log.Warn("local backup append failed", zap.Int("idx", entry.Index), zap.Error(err))
		} else {
			res.Stage = StageBackedUp
			res.BackedUp = true
		}
	}
	log.Debug("record anchored", zap.Int("idx", entry.Index), zap.String("last_stage", string(res.Stage)))
	res.Stage = StageDone
	return res
}

// findExisting looks up fp on the ledger. A lookup failure is logged and
// treated as "not found"; the append that follows is retried on its own.
func (p *Pipeline) findExisting(ctx context.Context, fp cdr.Fingerprint, log *zap.Logger) (*ledger.Entry, bool) {
	var entry *ledger.Entry
	err := retry.Do(ctx, p.cfg.Retry, "ledger lookup", func(ctx context.Context) error {
		e, err := p.ledger.FindByFingerprint(ctx, string(fp))
		entry = e
		return err
	})
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, faults.ErrNotFound):
		return nil, false
	default:
		log.Warn("duplicate check failed; continuing", zap.Error(err))
		return nil, false
	}
}

// duplicate finishes a record already on the ledger, repairing its mapping
// when it is missing.
func (p *Pipeline) duplicate(ctx context.Context, res Result, existing *ledger.Entry, payload []byte, log *zap.Logger) Result {
	res.Duplicate = true
	res.Index = existing.Index

	if addr, err := p.mapping.Get(existing.Index); err == nil {
		res.Address = addr
		res.Stage = StageDone
		log.Info("duplicate record skipped", zap.Int("idx", existing.Index))
		return res
	}

	// Same bytes, same content address.
	addr, err := p.put(ctx, payload)
	if err != nil {
		res.Degraded = true
		res.Stage = StageDone
		log.Warn("duplicate record has no mapping and the payload could not be restored",
			zap.Int("idx", existing.Index), zap.Error(err))
		return res
	}
	res.Address = addr

	p.appendMu.Lock()
	err = p.mapping.Set(existing.Index, addr)
	p.appendMu.Unlock()
	if err != nil {
		res.Degraded = true
		log.Error("mapping repair failed", zap.Int("idx", existing.Index), zap.Error(err))
	} else {
		res.Repaired = true
		log.Info("mapping repaired for duplicate record",
			zap.Int("idx", existing.Index), zap.String("address", addr))
	}
	p.pin(ctx, addr, log)
	res.Stage = StageDone
	return res
}

func (p *Pipeline) put(ctx context.Context, payload []byte) (string, error) {
	var addr string
	err := retry.Do(ctx, p.cfg.Retry, "offchain put", func(ctx context.Context) error {
		a, err := p.store.Put(ctx, payload)
		addr = a
		return err
	})
	return addr, err
}

// appendAndMap appends the ledger entry and records its mapping under
// appendMu. The fingerprint is looked up again under the lock, so of two
// concurrent ingests of one record only the first appends; the other gets
// existed=true and the winner's entry. A mapping failure leaves the entry
// in place and is reported as degraded.
func (p *Pipeline) appendAndMap(ctx context.Context, rec cdr.CallRecord, fp cdr.Fingerprint, addr string, log *zap.Logger) (entry *ledger.Entry, existed, degraded bool, err error) {
	p.appendMu.Lock()
	defer p.appendMu.Unlock()

	lr := ledger.Record{
		Caller:      rec.Caller,
		Callee:      rec.Callee,
		Duration:    rec.Duration,
		Status:      rec.Status,
		Timestamp:   rec.Start,
		Fingerprint: string(fp),
	}

	attempt := 0
	err = retry.Do(ctx, p.cfg.Retry, "ledger append", func(ctx context.Context) error {
		attempt++
		// On the first attempt a hit is someone else's entry; after that it
		// may be our own timed-out append that committed.
		if e, ferr := p.ledger.FindByFingerprint(ctx, string(fp)); ferr == nil {
			entry = e
			existed = attempt == 1
			return nil
		}
		e, aerr := p.ledger.Append(ctx, lr)
		entry = e
		return aerr
	})
	if err != nil {
		log.Error("ledger append failed; payload left unreferenced",
			zap.String("address", addr), zap.Error(err))
		return nil, false, false, err
	}
	if existed {
		return entry, true, false, nil
	}

	if err := p.mapping.Set(entry.Index, addr); err != nil {
		log.Error("mapping write failed; entry is unverifiable until repaired",
			zap.Int("idx", entry.Index),
			zap.String("address", addr),
			zap.Error(err),
		)
		return entry, false, true, nil
	}
	return entry, false, false, nil
}

// pin is best-effort.
func (p *Pipeline) pin(ctx context.Context, addr string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PinTimeout)
	defer cancel()
	if err := p.store.Pin(ctx, addr); err != nil {
		log.Warn("pin failed", zap.String("address", addr), zap.Error(err))
	}
}

// Restore replays every backup entry whose fingerprint is not already on
// the ledger. Entries already present get their mapping repaired if it is
// missing. The backup itself is not appended to.
func (p *Pipeline) Restore(ctx context.Context) (RestoreSummary, error) {
	var sum RestoreSummary
	if p.backup == nil {
		return sum, errors.New("no local backup configured")
	}

	for _, e := range p.backup.All() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Total++

		res := p.ingest(ctx, e.Record, false)
		p.finish(ctx, res, "")

		switch {
		case res.Failed():
			sum.Failed++
		case res.Repaired:
			sum.Repaired++
		case res.Duplicate:
			sum.Skipped++
		case res.Degraded:
			sum.Degraded++
		default:
			sum.Restored++
		}
	}

	p.logger.Info("restore from backup complete",
		zap.Int("total", sum.Total),
		zap.Int("restored", sum.Restored),
		zap.Int("skipped", sum.Skipped),
		zap.Int("repaired", sum.Repaired),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

// finish logs the outcome and fires the callbacks.
func (p *Pipeline) finish(ctx context.Context, res Result, line string) {
	fields := []zap.Field{
		zap.String("attempt_id", res.AttemptID),
		zap.String("status", res.Status()),
		zap.Int("idx", res.Index),
		zap.String("address", res.Address),
		zap.String("fingerprint", string(res.Fingerprint)),
	}
	switch {
	case res.Failed():
		p.logger.Error("ingest failed", append(fields, zap.Error(res.Err))...)
	case res.Degraded:
		p.logger.Warn("ingest degraded", fields...)
	default:
		p.logger.Info("ingested", fields...)
	}

	if p.onResult != nil {
		p.onResult(res)
	}
	if p.onEvent == nil {
		return
	}

	payload := map[string]string{
		"attempt_id":  res.AttemptID,
		"status":      res.Status(),
		"fingerprint": string(res.Fingerprint),
		"caller":      res.Record.Caller,
		"callee":      res.Record.Callee,
	}
	if res.Index >= 0 {
		payload["index"] = strconv.Itoa(res.Index)
	}
	if res.Address != "" {
		payload["address"] = res.Address
	}
	if line != "" {
		payload["line"] = truncate(line)
	}

	switch {
	case res.Failed() && res.Stage != StageParsed:
		payload["stage"] = string(res.Stage)
		payload["error"] = res.Err.Error()
		p.onEvent(ctx, EventIngestFailed, payload)
	case res.Degraded:
		p.onEvent(ctx, EventDegraded, payload)
	}
}

func failed(res Result, stage Stage, err error) Result {
	res.Stage = stage
	res.Err = fmt.Errorf("%s: %w", stage, err)
	return res
}

func truncate(s string) string {
	const n = 256
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
