package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SQLSTATE codes the store translates.
const (
	sqlStateLockNotAvailable     = "55P03"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateUniqueViolation      = "23505"
	// sqlStateImmutable is raised by the ledger_entries_immutable trigger.
	sqlStateImmutable = "LD001"
)

const entryColumns = `chain_id, sequence_number, previous_hash, entry_hash, entry_type,
	amount::text, currency, description, created_at, COALESCE(idempotency_key, ''),
	balance_after::text, is_verified, verified_at`

const snapshotColumns = `id, chain_id, at_sequence, marker_sequence, previous_snapshot_hash,
	tip_hash, cumulative_hash, balances, seal, created_at, created_by`

// PostgresStore persists chains to PostgreSQL. It implements Store and Guard.
//
// Appends lock the chain's row in ledger_chains with SELECT ... FOR UPDATE, so
// different chains never serialise against each other. The wait is bounded by
// a transaction-local lock_timeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout, logger: logger}
}

// lockChain ensures the chain row exists, locks it, and returns the tip.
func (s *PostgresStore) lockChain(ctx context.Context, tx pgx.Tx, chainID string) (tip, error) {
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)",
		fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())); err != nil {
		return tip{}, fmt.Errorf("set lock timeout: %w", mapPgError(err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_chains (chain_id, tip_sequence, tip_hash)
		 VALUES ($1, 0, $2) ON CONFLICT (chain_id) DO NOTHING`,
		chainID, GenesisHash,
	); err != nil {
		return tip{}, fmt.Errorf("ensure chain: %w", mapPgError(err))
	}

	t := tip{}
	var createdAt *time.Time
	if err := tx.QueryRow(ctx,
		`SELECT tip_sequence, tip_hash, tip_created_at FROM ledger_chains
		 WHERE chain_id = $1 FOR UPDATE`, chainID,
	).Scan(&t.seq, &t.hash, &createdAt); err != nil {
		return tip{}, fmt.Errorf("lock chain %s: %w", chainID, mapPgError(err))
	}
	if createdAt != nil {
		t.createdAt = createdAt.UTC()
	}
	return t, nil
}

// balanceBefore returns the chain's running balance in currency. Callers hold
// the chain lock.
func (s *PostgresStore) balanceBefore(ctx context.Context, tx pgx.Tx, chainID, currency string) (decimal.Decimal, error) {
	var balance string
	err := tx.QueryRow(ctx,
		`SELECT balance_after::text FROM ledger_entries
		 WHERE chain_id = $1 AND currency = $2
		 ORDER BY sequence_number DESC LIMIT 1`, chainID, currency,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read %s balance: %w", currency, mapPgError(err))
	}
	return decimal.NewFromString(balance)
}

// prepare builds the next entry on the locked tip t.
func (s *PostgresStore) prepare(ctx context.Context, tx pgx.Tx, ne *NewEntry, t tip) (*Entry, error) {
	balance, err := s.balanceBefore(ctx, tx, ne.ChainID, ne.Currency)
	if err != nil {
		return nil, err
	}
	return chainEntry(ne, t, balance, time.Now())
}

// insert writes e and advances the chain head. Callers hold the chain lock.
func (s *PostgresStore) insert(ctx context.Context, tx pgx.Tx, e *Entry) error {
	var key *string
	if e.IdempotencyKey != "" {
		key = &e.IdempotencyKey
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries
		   (chain_id, sequence_number, previous_hash, entry_hash, entry_type,
		    amount, currency, description, created_at, idempotency_key, balance_after)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10, $11::numeric)`,
		e.ChainID, e.SequenceNumber, e.PreviousHash, e.EntryHash, string(e.EntryType),
		e.Amount.String(), e.Currency, e.Description, e.CreatedAt, key, e.BalanceAfter.String(),
	); err != nil {
		return fmt.Errorf("insert ledger entry: %w", mapPgError(err))
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledger_chains SET tip_sequence = $2, tip_hash = $3, tip_created_at = $4
		 WHERE chain_id = $1`,
		e.ChainID, e.SequenceNumber, e.EntryHash, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("advance chain head: %w", mapPgError(err))
	}
	return nil
}

// AppendEntry implements Store.
func (s *PostgresStore) AppendEntry(ctx context.Context, ne *NewEntry) (*Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	t, err := s.lockChain(ctx, tx, ne.ChainID)
	if err != nil {
		return nil, err
	}

	if ne.IdempotencyKey != "" {
		e, err := scanEntry(tx.QueryRow(ctx,
			`SELECT `+entryColumns+` FROM ledger_entries
			 WHERE chain_id = $1 AND idempotency_key = $2`,
			ne.ChainID, ne.IdempotencyKey,
		))
		switch {
		case err == nil:
			e.Replayed = true
			return e, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}

	entry, err := s.prepare(ctx, tx, ne, t)
	if err != nil {
		return nil, err
	}

	// Once the lock is held the write runs to completion; abandoning it here
	// would only waste the allocated sequence.
	wctx := context.WithoutCancel(ctx)
	if err := s.insert(wctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(wctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", mapPgError(err))
	}

	s.logger.Debug("ledger entry appended",
		zap.String("chain_id", entry.ChainID),
		zap.Int64("seq", entry.SequenceNumber),
		zap.String("entry_type", string(entry.EntryType)),
	)
	return entry, nil
}

// GetEntry implements Store.
func (s *PostgresStore) GetEntry(ctx context.Context, chainID string, seq int64) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE chain_id = $1 AND sequence_number = $2`, chainID, seq,
	))
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s/%d: %w", chainID, seq, err)
	}
	return e, nil
}

// Tip implements Store.
func (s *PostgresStore) Tip(ctx context.Context, chainID string) (*Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE chain_id = $1 ORDER BY sequence_number DESC LIMIT 1`, chainID,
	))
	if err != nil {
		return nil, fmt.Errorf("read chain tip %s: %w", chainID, err)
	}
	return e, nil
}

// Range implements Store. Rows are streamed; the whole range is never held
// in memory.
func (s *PostgresStore) Range(ctx context.Context, chainID string, from, to int64, fn func(*Entry) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries
		 WHERE chain_id = $1 AND sequence_number BETWEEN $2 AND $3
		 ORDER BY sequence_number ASC`, chainID, from, to,
	)
	if err != nil {
		return fmt.Errorf("query ledger range: %w", mapPgError(err))
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate ledger rows: %w", mapPgError(err))
	}
	return nil
}

// Chains implements Store.
func (s *PostgresStore) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chain_id FROM ledger_chains WHERE tip_sequence > 0 ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", mapPgError(err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan chains: %w", mapPgError(err))
	}
	return ids, nil
}

// MarkVerified implements Store. The immutability trigger permits changes to
// is_verified and verified_at only.
func (s *PostgresStore) MarkVerified(ctx context.Context, chainID string, from, to int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries SET is_verified = TRUE, verified_at = $4
		 WHERE chain_id = $1 AND sequence_number BETWEEN $2 AND $3 AND NOT is_verified`,
		chainID, from, to, at.UTC(),
	); err != nil {
		return fmt.Errorf("mark verified: %w", mapPgError(err))
	}
	return nil
}

// ClearVerified implements Store.
func (s *PostgresStore) ClearVerified(ctx context.Context, chainID string, from int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE ledger_entries SET is_verified = FALSE, verified_at = NULL
		 WHERE chain_id = $1 AND sequence_number >= $2 AND is_verified`,
		chainID, from,
	); err != nil {
		return fmt.Errorf("clear verified: %w", mapPgError(err))
	}
	return nil
}

// AppendSnapshot implements Store.
func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap *Snapshot, marker *NewEntry) (*Entry, error) {
	balances, err := json.Marshal(snap.Balances)
	if err != nil {
		return nil, fmt.Errorf("marshal balances: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	t, err := s.lockChain(ctx, tx, snap.ChainID)
	if err != nil {
		return nil, err
	}
	if err := checkSnapshotTip(snap, t); err != nil {
		return nil, err
	}

	entry, err := s.prepare(ctx, tx, marker, t)
	if err != nil {
		return nil, err
	}
	snap.MarkerSequence = entry.SequenceNumber

	wctx := context.WithoutCancel(ctx)
	if err := s.insert(wctx, tx, entry); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(wctx,
		`INSERT INTO ledger_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		snap.ID, snap.ChainID, snap.AtSequence, snap.MarkerSequence, snap.PreviousSnapshotHash,
		snap.TipHash, snap.CumulativeHash, balances, snap.Seal, snap.CreatedAt, snap.CreatedBy,
	); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", mapPgError(err))
	}
	if err := tx.Commit(wctx); err != nil {
		return nil, fmt.Errorf("commit snapshot tx: %w", mapPgError(err))
	}

	s.logger.Info("snapshot recorded",
		zap.String("chain_id", snap.ChainID),
		zap.Int64("at_sequence", snap.AtSequence),
		zap.Int64("marker_sequence", snap.MarkerSequence),
	)
	return entry, nil
}

// LatestSnapshot implements Store.
func (s *PostgresStore) LatestSnapshot(ctx context.Context, chainID string, before int64) (*Snapshot, error) {
	var (
		snap     Snapshot
		balances []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM ledger_snapshots
		 WHERE chain_id = $1 AND ($2 <= 0 OR marker_sequence <= $2)
		 ORDER BY marker_sequence DESC LIMIT 1`, chainID, before,
	).Scan(
		&snap.ID, &snap.ChainID, &snap.AtSequence, &snap.MarkerSequence, &snap.PreviousSnapshotHash,
		&snap.TipHash, &snap.CumulativeHash, &balances, &snap.Seal, &snap.CreatedAt, &snap.CreatedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read latest snapshot: %w", mapPgError(err))
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	if err := json.Unmarshal(balances, &snap.Balances); err != nil {
		return nil, fmt.Errorf("decode snapshot balances: %w", err)
	}
	return &snap, nil
}

// UpdateEntry implements Guard. The statement is issued so the database
// trigger is exercised, and the transaction is always rolled back. It always
// changes a hashed column so the trigger can never treat it as a flag update.
func (s *PostgresStore) UpdateEntry(ctx context.Context, e *Entry) error {
	return s.guarded(ctx, e.ChainID, e.SequenceNumber, "update",
		`UPDATE ledger_entries SET previous_hash = entry_hash WHERE chain_id = $1 AND sequence_number = $2`,
		e.ChainID, e.SequenceNumber)
}

// DeleteEntry implements Guard.
func (s *PostgresStore) DeleteEntry(ctx context.Context, chainID string, seq int64) error {
	return s.guarded(ctx, chainID, seq, "delete",
		`DELETE FROM ledger_entries WHERE chain_id = $1 AND sequence_number = $2`,
		chainID, seq)
}

func (s *PostgresStore) guarded(ctx context.Context, chainID string, seq int64, op, sql string, args ...any) error {
	violation := &ImmutabilityError{ChainID: chainID, Sequence: seq, Op: op}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	_, err = tx.Exec(ctx, sql, args...)
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == sqlStateImmutable:
		violation.Detail = pgErr.Message
	case err != nil:
		return fmt.Errorf("%s ledger entry: %w", op, mapPgError(err))
	default:
		// The statement went through: the trigger is missing. The rollback
		// above still discards it.
		violation.Detail = "immutability trigger not installed"
	}

	s.logger.Error("immutability violation",
		zap.String("chain_id", chainID),
		zap.Int64("seq", seq),
		zap.String("op", op),
		zap.String("detail", violation.Detail),
	)
	return violation
}

// scanEntry scans one row selected with entryColumns. pgx.ErrNoRows becomes
// ErrNotFound.
func scanEntry(row pgx.Row) (*Entry, error) {
	var (
		e          Entry
		entryType  string
		amount     string
		balance    string
		verifiedAt *time.Time
	)
	err := row.Scan(
		&e.ChainID, &e.SequenceNumber, &e.PreviousHash, &e.EntryHash, &entryType,
		&amount, &e.Currency, &e.Description, &e.CreatedAt, &e.IdempotencyKey,
		&balance, &e.IsVerified, &verifiedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, mapPgError(err)
	}

	e.EntryType = EntryType(entryType)
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	e.BalanceAfter, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance_after %q: %w", balance, err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if verifiedAt != nil {
		v := verifiedAt.UTC()
		e.VerifiedAt = &v
	}
	return &e, nil
}

// mapPgError translates lock and trigger failures into ledger errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case sqlStateLockNotAvailable, sqlStateSerializationFailure, sqlStateDeadlockDetected:
		return fmt.Errorf("%s: %w", pgErr.Message, ErrContention)
	case sqlStateUniqueViolation:
		return fmt.Errorf("%s (%s): %w", pgErr.Message, pgErr.ConstraintName, ErrContention)
	case sqlStateImmutable:
		return &ImmutabilityError{Op: "write", Detail: pgErr.Message}
	}
	return err
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Guard = (*PostgresStore)(nil)
)
