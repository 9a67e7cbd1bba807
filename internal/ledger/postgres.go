package ledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/cdrledger/internal/faults"
	"go.uber.org/zap"
)

// PostgresLedger persists one ledger, identified by its deployment ID, to
// PostgreSQL. Several ledgers may share the same database.
type PostgresLedger struct {
	pool    *pgxpool.Pool
	id      uuid.UUID
	lockKey int64
	logger  *zap.Logger
}

// NewPostgresLedger opens the ledger with the given deployment ID. The ID must
// have been created by PostgresDeployer.Deploy; an unknown ID is an error so
// a stale address file never silently starts a fresh ledger.
func NewPostgresLedger(ctx context.Context, pool *pgxpool.Pool, id string, logger *zap.Logger) (*PostgresLedger, error) {
	ledgerID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse ledger address %q: %w", id, err)
	}

	var exists bool
	if err := pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM ledgers WHERE id = $1)", ledgerID,
	).Scan(&exists); err != nil {
		return nil, classify(fmt.Errorf("look up ledger %s: %w", ledgerID, err))
	}
	if !exists {
		return nil, fmt.Errorf("ledger %s is not deployed in this database", ledgerID)
	}

	return &PostgresLedger{
		pool:    pool,
		id:      ledgerID,
		lockKey: int64(binary.BigEndian.Uint64(ledgerID[:8])),
		logger:  logger,
	}, nil
}

// Address returns the deployment ID.
func (l *PostgresLedger) Address() string { return l.id.String() }

// Append implements Ledger.
// It acquires a transaction-scoped advisory lock for this ledger, reads the
// chain tail, computes the new entry hash, and inserts it, all within a
// single transaction.
func (l *PostgresLedger) Append(ctx context.Context, rec Record) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", l.lockKey); err != nil {
		return nil, classify(fmt.Errorf("acquire advisory lock: %w", err))
	}

	next, prevHash := 0, GenesisHash
	var prevIdx int
	err = tx.QueryRow(ctx,
		"SELECT idx, hash FROM ledger_entries WHERE ledger_id = $1 ORDER BY idx DESC LIMIT 1",
		l.id,
	).Scan(&prevIdx, &prevHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		prevHash = GenesisHash
	case err != nil:
		return nil, classify(fmt.Errorf("read ledger tail: %w", err))
	default:
		next = prevIdx + 1
	}

	// timestamptz keeps microseconds; truncate so the hash survives a
	// round trip through the database.
	entry := &Entry{
		Index:       next,
		Caller:      rec.Caller,
		Callee:      rec.Callee,
		Duration:    rec.Duration,
		Status:      rec.Status,
		Timestamp:   rec.Timestamp,
		Fingerprint: rec.Fingerprint,
		RecordedAt:  time.Now().UTC().Truncate(time.Microsecond),
		PrevHash:    prevHash,
	}
	entry.Hash = hashEntry(entry)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (ledger_id, idx, recorded_at, caller, callee, duration, status, cdr_timestamp, fingerprint, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.id, entry.Index, entry.RecordedAt,
		entry.Caller, entry.Callee, entry.Duration, entry.Status, entry.Timestamp,
		entry.Fingerprint, entry.PrevHash, entry.Hash,
	); err != nil {
		return nil, classify(fmt.Errorf("insert ledger entry: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(fmt.Errorf("commit ledger tx: %w", err))
	}

	l.logger.Debug("ledger entry appended",
		zap.Int("idx", entry.Index),
		zap.String("fingerprint", entry.Fingerprint),
	)
	return entry, nil
}

const selectEntry = `SELECT idx, recorded_at, caller, callee, duration, status, cdr_timestamp, fingerprint, prev_hash, hash
		 FROM ledger_entries`

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	if err := row.Scan(
		&e.Index, &e.RecordedAt, &e.Caller, &e.Callee, &e.Duration,
		&e.Status, &e.Timestamp, &e.Fingerprint, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, index int) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		selectEntry+" WHERE ledger_id = $1 AND idx = $2", l.id, index,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("index %d out of range: %w", index, faults.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get ledger entry %d: %w", index, err))
	}
	return e, nil
}

// Len implements Ledger.
func (l *PostgresLedger) Len(ctx context.Context) (int, error) {
	var n int
	if err := l.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE ledger_id = $1", l.id,
	).Scan(&n); err != nil {
		return 0, classify(fmt.Errorf("count ledger entries: %w", err))
	}
	return n, nil
}

// FindByFingerprint implements Ledger.
func (l *PostgresLedger) FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error) {
	e, err := scanEntry(l.pool.QueryRow(ctx,
		selectEntry+" WHERE ledger_id = $1 AND fingerprint = $2 ORDER BY idx ASC LIMIT 1",
		l.id, fingerprint,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("fingerprint %s: %w", fingerprint, faults.ErrNotFound)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("find fingerprint: %w", err))
	}
	return e, nil
}

// Verify implements Ledger. It streams all rows ordered by idx and validates
// the hash chain. O(n) in ledger length.
func (l *PostgresLedger) Verify(ctx context.Context) error {
	rows, err := l.pool.Query(ctx, selectEntry+" WHERE ledger_id = $1 ORDER BY idx ASC", l.id)
	if err != nil {
		return classify(fmt.Errorf("query ledger: %w", err))
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := verifyChain(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Ledger.
func (l *PostgresLedger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_entries WHERE ledger_id = $1 ORDER BY idx DESC LIMIT 1", l.id,
	).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", classify(fmt.Errorf("get ledger root: %w", err))
	}
	return hash, nil
}

// PostgresDeployer creates new ledgers in the ledgers table.
type PostgresDeployer struct {
	Pool  *pgxpool.Pool
	Label string
}

// Deploy implements Deployer.
func (d PostgresDeployer) Deploy(ctx context.Context) (string, error) {
	id := uuid.New()
	if _, err := d.Pool.Exec(ctx,
		"INSERT INTO ledgers (id, label, created_at) VALUES ($1, $2, $3)",
		id, d.Label, time.Now().UTC(),
	); err != nil {
		return "", classify(fmt.Errorf("deploy ledger: %w", err))
	}
	return id.String(), nil
}

// classify marks errors that did not come back from the server as a
// PostgreSQL error (dial failures, resets, timeouts) as unavailable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", faults.ErrUnavailable, err)
}
