package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType is the semantic classification of a ledger entry.
type EntryType string

const (
	EntryCredit         EntryType = "credit"
	EntryDebit          EntryType = "debit"
	EntryAdjustment     EntryType = "adjustment"
	EntrySnapshotMarker EntryType = "snapshot_marker"
)

// Valid reports whether t is one of the closed set of entry types.
func (t EntryType) Valid() bool {
	switch t {
	case EntryCredit, EntryDebit, EntryAdjustment, EntrySnapshotMarker:
		return true
	}
	return false
}

// Entry is a single immutable record in a chain.
type Entry struct {
	ChainID        string          `json:"chain_id"`
	SequenceNumber int64           `json:"sequence_number"`
	PreviousHash   string          `json:"previous_hash"`
	EntryHash      string          `json:"entry_hash"`
	EntryType      EntryType       `json:"entry_type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Description    string          `json:"description"`
	CreatedAt      time.Time       `json:"created_at"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// BalanceAfter is the chain's running balance in Currency including this
	// entry. It is derived from the hashed amounts and is not itself hashed.
	BalanceAfter decimal.Decimal `json:"balance_after"`

	// IsVerified is a cache of the last successful verification pass covering
	// this entry. It is not part of the hash and is never authoritative.
	IsVerified bool       `json:"is_verified"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	// Replayed is set when AppendEntry matched an existing idempotency key
	// instead of writing a new row.
	Replayed bool `json:"-"`
}

// SignedAmount is the entry's effect on its currency's balance: credits and
// adjustments add, debits subtract, snapshot markers have none.
func (e *Entry) SignedAmount() decimal.Decimal {
	switch e.EntryType {
	case EntryCredit, EntryAdjustment:
		return e.Amount
	case EntryDebit:
		return e.Amount.Neg()
	}
	return decimal.Zero
}

// NewEntry is the input to Store.AppendEntry. Sequence, hashes and (when
// zero) CreatedAt are assigned by the store under the chain lock.
type NewEntry struct {
	ChainID        string
	EntryType      EntryType
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CreatedAt      time.Time
	IdempotencyKey string
}

// Balance holds the running totals of one currency at a snapshot.
type Balance struct {
	Net      decimal.Decimal `json:"net"`
	TotalIn  decimal.Decimal `json:"total_in"`
	TotalOut decimal.Decimal `json:"total_out"`
	Entries  int64           `json:"entries"`
}

// Snapshot is a checkpoint of a chain. AtSequence is the last entry the
// snapshot covers; the snapshot_marker entry recording it sits at
// MarkerSequence (always AtSequence+1).
type Snapshot struct {
	ID                   uuid.UUID          `json:"id"`
	ChainID              string             `json:"chain_id"`
	AtSequence           int64              `json:"at_sequence"`
	MarkerSequence       int64              `json:"marker_sequence"`
	PreviousSnapshotHash string             `json:"previous_snapshot_hash"`
	TipHash              string             `json:"tip_hash"`
	CumulativeHash       string             `json:"cumulative_hash"`
	Balances             map[string]Balance `json:"balances"`
	Seal                 string             `json:"seal,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	CreatedBy            string             `json:"created_by"`
}
