// Package snapshot checkpoints ledger chains. A snapshot verifies the chain
// up to its tip, folds the entries since the previous snapshot into running
// balances, and records itself in the chain as a snapshot_marker entry so it
// is covered by the same hash chain it summarises.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// rangeVerifier is the part of *verifier.Verifier the service needs.
type rangeVerifier interface {
	VerifyRange(ctx context.Context, chainID string, from, to *int64) (*verifier.Result, error)
}

// Service creates and reads snapshots.
type Service struct {
	store        ledger.Store
	verifier     rangeVerifier
	baseCurrency string
	sealKey      []byte
	now          func() time.Time
	logger       *zap.Logger
}

// NewService creates a snapshot Service. Marker entries are written in
// baseCurrency. A nil sealKey leaves snapshots unsealed.
func NewService(store ledger.Store, v rangeVerifier, baseCurrency string, sealKey []byte, logger *zap.Logger) *Service {
	return &Service{
		store:        store,
		verifier:     v,
		baseCurrency: baseCurrency,
		sealKey:      sealKey,
		now:          time.Now,
		logger:       logger,
	}
}

// Create snapshots chainID at its current tip. If nothing was appended since
// the previous snapshot, that snapshot is returned with created=false. A
// broken chain yields a *verifier.BreakError and nothing is written. If the
// chain grows while the snapshot is being computed, ledger.ErrContention is
// returned and the caller may retry.
func (s *Service) Create(ctx context.Context, chainID, actor string) (snap *ledger.Snapshot, created bool, err error) {
	tip, err := s.store.Tip(ctx, chainID)
	if err != nil {
		return nil, false, fmt.Errorf("read tip of %s: %w", chainID, err)
	}

	prev, err := s.store.LatestSnapshot(ctx, chainID, 0)
	switch {
	case errors.Is(err, ledger.ErrNoSnapshot):
		prev = nil
	case err != nil:
		return nil, false, fmt.Errorf("read previous snapshot: %w", err)
	case prev.MarkerSequence == tip.SequenceNumber:
		return prev, false, nil
	}

	to := tip.SequenceNumber
	res, err := s.verifier.VerifyRange(ctx, chainID, nil, &to)
	if err != nil {
		return nil, false, fmt.Errorf("verify before snapshot: %w", err)
	}
	if !res.Valid {
		return nil, false, &verifier.BreakError{Result: res}
	}

	from := int64(1)
	balances := map[string]ledger.Balance{}
	previousHash := ledger.GenesisHash
	if prev != nil {
		from = prev.AtSequence + 1
		balances = copyBalances(prev.Balances)
		previousHash = prev.CumulativeHash
	}
	if err := s.store.Range(ctx, chainID, from, to, func(e *ledger.Entry) error {
		Fold(balances, e)
		return nil
	}); err != nil {
		return nil, false, fmt.Errorf("fold balances: %w", err)
	}

	snap = &ledger.Snapshot{
		ID:                   uuid.New(),
		ChainID:              chainID,
		AtSequence:           tip.SequenceNumber,
		PreviousSnapshotHash: previousHash,
		TipHash:              tip.EntryHash,
		Balances:             balances,
		CreatedAt:            s.now().UTC().Truncate(time.Microsecond),
		CreatedBy:            actor,
	}
	snap.CumulativeHash = ledger.SnapshotHash(snap)
	if s.sealKey != nil {
		snap.Seal = Seal(s.sealKey, snap)
	}

	marker := &ledger.NewEntry{
		ChainID:     chainID,
		EntryType:   ledger.EntrySnapshotMarker,
		Amount:      decimal.Zero,
		Currency:    s.baseCurrency,
		Description: ledger.MarkerDescription(snap.AtSequence, snap.CumulativeHash),
	}
	if _, err := s.store.AppendSnapshot(ctx, snap, marker); err != nil {
		return nil, false, fmt.Errorf("record snapshot: %w", err)
	}

	s.logger.Info("snapshot created",
		zap.String("chain_id", chainID),
		zap.Int64("at_sequence", snap.AtSequence),
		zap.Int64("marker_sequence", snap.MarkerSequence),
		zap.String("cumulative_hash", snap.CumulativeHash),
		zap.Int("currencies", len(snap.Balances)),
	)
	return snap, true, nil
}

// Latest returns the newest snapshot of chainID or ledger.ErrNoSnapshot.
func (s *Service) Latest(ctx context.Context, chainID string) (*ledger.Snapshot, error) {
	return s.store.LatestSnapshot(ctx, chainID, 0)
}

// VerifySeal reports whether snap carries a valid seal for this service's
// key. Unsealed services accept only unsealed snapshots.
func (s *Service) VerifySeal(snap *ledger.Snapshot) bool {
	if s.sealKey == nil {
		return snap.Seal == ""
	}
	return CheckSeal(s.sealKey, snap)
}
