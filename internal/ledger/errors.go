package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a chain or sequence number does not exist.
	ErrNotFound = errors.New("ledger: entry not found")

	// ErrNoSnapshot is returned by LatestSnapshot when a chain has none.
	ErrNoSnapshot = errors.New("ledger: no snapshot")

	// ErrContention is returned when the chain lock could not be acquired in
	// time or the chain moved underneath a snapshot. Callers may retry.
	ErrContention = errors.New("ledger: chain is busy, retry later")

	// ErrImmutable is the sentinel wrapped by every ImmutabilityError.
	ErrImmutable = errors.New("ledger: immutability violation")
)

// ValidationError is returned when an append request is rejected before any
// lock is taken. No state changes.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

// ImmutabilityError reports an attempted update or delete of a stored entry.
type ImmutabilityError struct {
	ChainID  string
	Sequence int64
	Op       string // "update", "delete" or "truncate"
	Detail   string
}

func (e *ImmutabilityError) Error() string {
	msg := fmt.Sprintf("ledger: %s of entry %s/%d rejected: entries are append-only", e.Op, e.ChainID, e.Sequence)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ImmutabilityError) Unwrap() error { return ErrImmutable }

// IsRetryable reports whether err is a contention error the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContention)
}
