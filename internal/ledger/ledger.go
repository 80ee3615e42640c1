package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Store is the append-only persistence interface for ledger chains.
// Both MemoryStore and PostgresStore implement it. There is deliberately no
// update or delete method.
type Store interface {
	// AppendEntry locks the chain, allocates the next sequence number, chains
	// the entry to the current tip and persists it atomically. If
	// ne.IdempotencyKey was already used on the chain, the original entry is
	// returned with Replayed set and nothing is written.
	AppendEntry(ctx context.Context, ne *NewEntry) (*Entry, error)

	// GetEntry returns the entry at seq, or ErrNotFound.
	GetEntry(ctx context.Context, chainID string, seq int64) (*Entry, error)

	// Tip returns the highest-sequence entry of the chain, or ErrNotFound
	// when the chain is empty.
	Tip(ctx context.Context, chainID string) (*Entry, error)

	// Range calls fn for every stored entry with from <= seq <= to in
	// ascending order. Returning an error from fn stops the walk and that
	// error is returned.
	Range(ctx context.Context, chainID string, from, to int64, fn func(*Entry) error) error

	// Chains lists every chain that has at least one entry.
	Chains(ctx context.Context) ([]string, error)

	// MarkVerified sets the cached is_verified flag on [from, to].
	MarkVerified(ctx context.Context, chainID string, from, to int64, at time.Time) error

	// ClearVerified resets the cached flag on every entry with seq >= from.
	// It is called when verification finds a break at from.
	ClearVerified(ctx context.Context, chainID string, from int64) error

	// AppendSnapshot appends the snapshot_marker entry and records snap in a
	// single step. It fails with ErrContention if the chain tip is no longer
	// snap.AtSequence / snap.TipHash.
	AppendSnapshot(ctx context.Context, snap *Snapshot, marker *NewEntry) (*Entry, error)

	// LatestSnapshot returns the newest snapshot whose marker sequence is
	// <= before (any snapshot when before <= 0), or ErrNoSnapshot.
	LatestSnapshot(ctx context.Context, chainID string, before int64) (*Snapshot, error)
}

// Guard is implemented by stores that expose the mutation paths only in order
// to reject them. Every call fails with an *ImmutabilityError.
type Guard interface {
	UpdateEntry(ctx context.Context, e *Entry) error
	DeleteEntry(ctx context.Context, chainID string, seq int64) error
}

// MaxClockSkew is how far past the store's clock an explicit created_at may
// be. A later timestamp would become the tip and clamp every following
// entry to it.
const MaxClockSkew = 5 * time.Minute

// tip is the chain head an append is chained to.
type tip struct {
	seq       int64
	hash      string
	createdAt time.Time
}

func genesisTip() tip {
	return tip{hash: GenesisHash}
}

// chainEntry builds the next entry on top of t. prevBalance is the running
// balance of ne.Currency before this entry. Callers must hold the chain
// lock. A server-assigned timestamp that lags the tip (clock step) is clamped
// to the tip; an explicit timestamp in the past is rejected.
func chainEntry(ne *NewEntry, t tip, prevBalance decimal.Decimal, now time.Time) (*Entry, error) {
	if ne.ChainID == "" {
		return nil, &ValidationError{Field: "chain_id", Msg: "must not be empty"}
	}
	if !ne.EntryType.Valid() {
		return nil, &ValidationError{Field: "entry_type", Msg: fmt.Sprintf("unknown entry type %q", ne.EntryType)}
	}

	createdAt := normalizeTime(now)
	if !ne.CreatedAt.IsZero() {
		createdAt = normalizeTime(ne.CreatedAt)
		if limit := now.Add(MaxClockSkew); createdAt.After(limit) {
			return nil, &ValidationError{
				Field: "created_at",
				Msg:   fmt.Sprintf("%s is more than %s ahead of the server clock", createdAt.Format(time.RFC3339Nano), MaxClockSkew),
			}
		}
		if createdAt.Before(t.createdAt) {
			return nil, &ValidationError{
				Field: "created_at",
				Msg:   fmt.Sprintf("%s is earlier than chain tip %s", createdAt.Format(time.RFC3339Nano), t.createdAt.Format(time.RFC3339Nano)),
			}
		}
	} else if createdAt.Before(t.createdAt) {
		createdAt = t.createdAt
	}

	e := &Entry{
		ChainID:        ne.ChainID,
		SequenceNumber: t.seq + 1,
		PreviousHash:   t.hash,
		EntryType:      ne.EntryType,
		Amount:         ne.Amount,
		Currency:       ne.Currency,
		Description:    ne.Description,
		CreatedAt:      createdAt,
		IdempotencyKey: ne.IdempotencyKey,
	}
	e.EntryHash = ComputeHash(e.PreviousHash, e)
	e.BalanceAfter = prevBalance.Add(e.SignedAmount())
	return e, nil
}

// checkSnapshotTip verifies that snap was computed against t.
func checkSnapshotTip(snap *Snapshot, t tip) error {
	if snap.AtSequence != t.seq || snap.TipHash != t.hash {
		return fmt.Errorf("snapshot of %s at %d is stale, tip is %d: %w", snap.ChainID, snap.AtSequence, t.seq, ErrContention)
	}
	return nil
}
