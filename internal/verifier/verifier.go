// Package verifier walks ledger chains and reports the first point where the
// stored hashes stop agreeing with a recomputation.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"go.uber.org/zap"
)

// Reason classifies a chain break.
type Reason string

const (
	ReasonHashMismatch         Reason = "hash_mismatch"
	ReasonPreviousHashMismatch Reason = "previous_hash_mismatch"
	ReasonSequenceGap          Reason = "sequence_gap"
	ReasonSnapshotAnchor       Reason = "snapshot_anchor_mismatch"
)

// Result is the outcome of one verification pass.
type Result struct {
	ChainID         string    `json:"chain_id"`
	Valid           bool      `json:"is_valid"`
	EntriesVerified int64     `json:"entries_verified"`
	FirstBreakAt    *int64    `json:"first_break_at,omitempty"`
	Reason          Reason    `json:"reason,omitempty"`
	FromSequence    int64     `json:"from_sequence"`
	ToSequence      int64     `json:"to_sequence"`
	ResumedFrom     *int64    `json:"resumed_from_snapshot,omitempty"`
	VerifiedAt      time.Time `json:"verified_at"`
}

// BreakError is returned by callers that refuse to proceed over a broken
// chain. It carries the failing Result.
type BreakError struct {
	Result *Result
}

func (e *BreakError) Error() string {
	if e.Result.FirstBreakAt == nil {
		return fmt.Sprintf("chain %s failed verification", e.Result.ChainID)
	}
	return fmt.Sprintf("chain %s broken at sequence %d: %s", e.Result.ChainID, *e.Result.FirstBreakAt, e.Result.Reason)
}

// errBreak stops a Range walk once a break has been recorded.
var errBreak = errors.New("chain break")

// Verifier checks hash chains held in a ledger.Store. It takes no locks and
// may run alongside appenders.
type Verifier struct {
	store  ledger.Store
	pool   pond.Pool
	now    func() time.Time
	logger *zap.Logger
}

// New creates a Verifier. workers bounds the number of chains VerifyAll
// checks in parallel.
func New(store ledger.Store, workers int, logger *zap.Logger) *Verifier {
	if workers < 1 {
		workers = 1
	}
	return &Verifier{
		store:  store,
		pool:   pond.NewPool(workers),
		now:    time.Now,
		logger: logger,
	}
}

// Stop waits for in-flight VerifyAll work and releases the worker pool.
func (v *Verifier) Stop() {
	v.pool.StopAndWait()
}

// VerifyChain verifies the whole chain, resuming from the latest snapshot
// when one exists.
func (v *Verifier) VerifyChain(ctx context.Context, chainID string) (*Result, error) {
	return v.VerifyRange(ctx, chainID, nil, nil)
}

// VerifyRange verifies entries from..to inclusive. A nil from resumes from
// the latest snapshot at or below to (or starts at 1); a nil to means the
// current tip. The returned error is non-nil only when the store could not be
// read; a broken chain is reported through Result.Valid.
func (v *Verifier) VerifyRange(ctx context.Context, chainID string, from, to *int64) (*Result, error) {
	res := &Result{ChainID: chainID, Valid: true, FromSequence: 1}

	tip, err := v.store.Tip(ctx, chainID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		res.VerifiedAt = v.now().UTC()
		return res, nil
	case err != nil:
		return nil, fmt.Errorf("read tip of %s: %w", chainID, err)
	}

	res.ToSequence = tip.SequenceNumber
	if to != nil && *to < res.ToSequence {
		res.ToSequence = *to
	}

	w := &walk{res: res}
	if from != nil {
		if err := v.startAt(ctx, w, *from); err != nil {
			return nil, err
		}
	} else if err := v.resume(ctx, w); err != nil {
		return nil, err
	}

	if res.Valid && w.expected <= res.ToSequence {
		err := v.store.Range(ctx, chainID, w.expected, res.ToSequence, w.check)
		if err != nil && !errors.Is(err, errBreak) {
			return nil, fmt.Errorf("walk %s: %w", chainID, err)
		}
		// Entries missing at the end of the range.
		if res.Valid && w.expected <= res.ToSequence {
			w.fail(w.expected, ReasonSequenceGap)
		}
	}

	res.VerifiedAt = v.now().UTC()
	if !res.Valid {
		v.logger.Warn("chain verification failed",
			zap.String("chain_id", chainID),
			zap.Int64("first_break_at", *res.FirstBreakAt),
			zap.String("reason", string(res.Reason)),
			zap.Int64("entries_verified", res.EntriesVerified),
		)
		// Entries from the break on can no longer be trusted, whatever an
		// earlier pass recorded.
		if err := v.store.ClearVerified(ctx, chainID, *res.FirstBreakAt); err != nil {
			v.logger.Warn("clear verified failed", zap.String("chain_id", chainID), zap.Error(err))
		}
		return res, nil
	}

	if res.EntriesVerified > 0 {
		if err := v.store.MarkVerified(ctx, chainID, res.FromSequence, res.ToSequence, res.VerifiedAt); err != nil {
			v.logger.Warn("mark verified failed", zap.String("chain_id", chainID), zap.Error(err))
		}
	}
	v.logger.Debug("chain verified",
		zap.String("chain_id", chainID),
		zap.Int64("from", res.FromSequence),
		zap.Int64("to", res.ToSequence),
		zap.Int64("entries_verified", res.EntriesVerified),
	)
	return res, nil
}

// startAt positions w at an explicit start sequence. The stored hash of the
// entry before it is the expected previous hash.
func (v *Verifier) startAt(ctx context.Context, w *walk, from int64) error {
	if from < 1 {
		from = 1
	}
	w.res.FromSequence = from
	w.expected = from
	w.prevHash = ledger.GenesisHash
	if from == 1 || from > w.res.ToSequence {
		return nil
	}

	prev, err := v.store.GetEntry(ctx, w.res.ChainID, from-1)
	if errors.Is(err, ledger.ErrNotFound) {
		w.fail(from-1, ReasonSequenceGap)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read entry before range: %w", err)
	}
	w.prevHash = prev.EntryHash
	return nil
}

// resume positions w just after the latest snapshot that the range covers,
// checking the snapshot record itself first.
func (v *Verifier) resume(ctx context.Context, w *walk) error {
	w.expected = 1
	w.prevHash = ledger.GenesisHash

	snap, err := v.store.LatestSnapshot(ctx, w.res.ChainID, w.res.ToSequence)
	if errors.Is(err, ledger.ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read latest snapshot: %w", err)
	}

	at := snap.AtSequence
	w.res.ResumedFrom = &at
	w.res.FromSequence = at + 1
	w.expected = at + 1
	w.prevHash = snap.TipHash
	w.anchor = snap

	if ledger.SnapshotHash(snap) != snap.CumulativeHash {
		w.fail(snap.MarkerSequence, ReasonSnapshotAnchor)
	}
	return nil
}

// walk is the state of one pass over a range.
type walk struct {
	res      *Result
	expected int64
	prevHash string
	anchor   *ledger.Snapshot
}

func (w *walk) fail(seq int64, reason Reason) {
	w.res.Valid = false
	w.res.FirstBreakAt = &seq
	w.res.Reason = reason
}

func (w *walk) check(e *ledger.Entry) error {
	switch {
	case e.SequenceNumber != w.expected:
		w.fail(w.expected, ReasonSequenceGap)
	case e.PreviousHash != w.prevHash:
		w.fail(e.SequenceNumber, ReasonPreviousHashMismatch)
	case ledger.ComputeHash(e.PreviousHash, e) != e.EntryHash:
		w.fail(e.SequenceNumber, ReasonHashMismatch)
	case w.anchor != nil && e.SequenceNumber == w.anchor.MarkerSequence && !anchors(e, w.anchor):
		w.fail(e.SequenceNumber, ReasonSnapshotAnchor)
	}
	if !w.res.Valid {
		return errBreak
	}
	w.prevHash = e.EntryHash
	w.expected++
	w.res.EntriesVerified++
	return nil
}

// anchors reports whether marker is the snapshot_marker entry recording snap.
func anchors(marker *ledger.Entry, snap *ledger.Snapshot) bool {
	return marker.EntryType == ledger.EntrySnapshotMarker &&
		marker.Description == ledger.MarkerDescription(snap.AtSequence, snap.CumulativeHash)
}

// VerifyAll verifies every chain in the store on the worker pool. Results are
// returned in the order of Store.Chains.
func (v *Verifier) VerifyAll(ctx context.Context) ([]*Result, error) {
	chains, err := v.store.Chains(ctx)
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}

	results := make([]*Result, len(chains))
	errs := make([]error, len(chains))

	group := v.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i, chainID := range chains {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = v.VerifyChain(groupCtx, chainID)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		v.logger.Warn("verify all encountered error", zap.Error(err))
	}

	if err := errors.Join(errs...); err != nil {
		return results, fmt.Errorf("verify all: %w", err)
	}
	return results, nil
}
