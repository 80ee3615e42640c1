// Package service is the ledger API: it validates requests, routes them to a
// chain, and coordinates the store, the verifier and the snapshot service.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/jmerrifield20/ChainLedger/internal/events"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/snapshot"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxChainIDLen        = 128
	maxIdempotencyKeyLen = 128
	publishTimeout       = 2 * time.Second
)

// AppendRequest is a request to record one financial event.
type AppendRequest struct {
	// ChainID selects the chain explicitly. When empty the chain is derived
	// from ProjectID, then UserID, then the configured default chain.
	ChainID   string
	ProjectID string
	UserID    string

	EntryType   string
	Amount      string
	Currency    string
	Description string

	// CreatedAt is optional; the server clock is used when zero.
	CreatedAt      time.Time
	IdempotencyKey string
}

// Config holds the service settings taken from config.Config.
type Config struct {
	DefaultChain   string
	BaseCurrency   string
	AppendTimeout  time.Duration
	MaxDescription int
	SnapshotActor  string
	// MaxClockSkew is how far ahead of the server clock a client created_at
	// may be. Zero means ledger.MaxClockSkew.
	MaxClockSkew time.Duration
}

// Hooks receive notifications for metrics and health reporting. Any field
// may be nil.
type Hooks struct {
	OnAppend   func(chainID string, d time.Duration, err error)
	OnVerify   func(res *verifier.Result)
	OnSnapshot func(chainID string, err error)
	OnBreak    func(res *verifier.Result)
}

type rangeVerifier interface {
	VerifyRange(ctx context.Context, chainID string, from, to *int64) (*verifier.Result, error)
}

type snapshotter interface {
	Create(ctx context.Context, chainID, actor string) (*ledger.Snapshot, bool, error)
	Latest(ctx context.Context, chainID string) (*ledger.Snapshot, error)
}

// LedgerService implements the ledger operations.
type LedgerService struct {
	store     ledger.Store
	verifier  rangeVerifier
	snapshots snapshotter
	cfg       Config
	publisher events.Publisher
	observe   func(chainID string)
	hooks     Hooks
	now       func() time.Time
	logger    *zap.Logger
}

// NewLedgerService creates a LedgerService.
func NewLedgerService(store ledger.Store, v rangeVerifier, snaps snapshotter, cfg Config, logger *zap.Logger) *LedgerService {
	if cfg.SnapshotActor == "" {
		cfg.SnapshotActor = "api"
	}
	if cfg.MaxClockSkew <= 0 || cfg.MaxClockSkew > ledger.MaxClockSkew {
		cfg.MaxClockSkew = ledger.MaxClockSkew
	}
	return &LedgerService{
		store:     store,
		verifier:  v,
		snapshots: snaps,
		cfg:       cfg,
		publisher: events.NoopPublisher{},
		now:       time.Now,
		logger:    logger,
	}
}

// SetPublisher configures where ledger events are sent.
func (s *LedgerService) SetPublisher(p events.Publisher) {
	s.publisher = p
}

// SetAppendObserver registers fn to be called after every committed append
// (the snapshot scheduler's count trigger).
func (s *LedgerService) SetAppendObserver(fn func(chainID string)) {
	s.observe = fn
}

// SetHooks registers metrics and health callbacks.
func (s *LedgerService) SetHooks(h Hooks) {
	s.hooks = h
}

// Append validates req and appends it to its chain. An idempotent replay
// returns the original entry with Replayed set.
func (s *LedgerService) Append(ctx context.Context, req AppendRequest) (*ledger.Entry, error) {
	ne, err := s.validate(req)
	if err != nil {
		return nil, err
	}

	start := s.now()
	actx, cancel := context.WithTimeout(ctx, s.cfg.AppendTimeout)
	defer cancel()

	entry, err := s.store.AppendEntry(actx, ne)
	if err != nil && !ledger.IsRetryable(err) && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("append to %s: %v: %w", ne.ChainID, err, ledger.ErrContention)
	}
	if s.hooks.OnAppend != nil {
		s.hooks.OnAppend(ne.ChainID, s.now().Sub(start), err)
	}
	if err != nil {
		s.logAppendError(ne, err)
		return nil, err
	}
	if entry.Replayed {
		s.logger.Info("idempotent replay",
			zap.String("chain_id", entry.ChainID),
			zap.Int64("seq", entry.SequenceNumber),
			zap.String("idempotency_key", entry.IdempotencyKey),
		)
		return entry, nil
	}

	s.publish(ctx, events.Event{
		Type:     events.EntryAppended,
		ChainID:  entry.ChainID,
		Sequence: entry.SequenceNumber,
		Hash:     entry.EntryHash,
		Attributes: map[string]string{
			"entry_type": string(entry.EntryType),
			"amount":     ledger.FormatAmount(entry.Amount, entry.Currency),
			"currency":   entry.Currency,
		},
		OccurredAt: entry.CreatedAt,
	})
	if s.observe != nil {
		s.observe(entry.ChainID)
	}
	return entry, nil
}

func (s *LedgerService) logAppendError(ne *ledger.NewEntry, err error) {
	var verr *ledger.ValidationError
	fields := []zap.Field{zap.String("chain_id", ne.ChainID), zap.Error(err)}
	switch {
	case errors.As(err, &verr):
		s.logger.Debug("append rejected", fields...)
	case ledger.IsRetryable(err):
		s.logger.Warn("append contention", fields...)
	default:
		s.logger.Error("append failed", fields...)
	}
}

// GetEntry returns one entry.
func (s *LedgerService) GetEntry(ctx context.Context, chainID string, seq int64) (*ledger.Entry, error) {
	if err := validChainID(chainID); err != nil {
		return nil, err
	}
	if seq < 1 {
		return nil, &ledger.ValidationError{Field: "sequence_number", Msg: "must be >= 1"}
	}
	return s.store.GetEntry(ctx, chainID, seq)
}

// VerifyChain verifies chainID up to its tip.
func (s *LedgerService) VerifyChain(ctx context.Context, chainID string) (*verifier.Result, error) {
	return s.VerifyRange(ctx, chainID, nil, nil)
}

// VerifyRange verifies chainID over [from, to]. A broken chain is reported in
// the result, published as an event and never downgraded to an error.
func (s *LedgerService) VerifyRange(ctx context.Context, chainID string, from, to *int64) (*verifier.Result, error) {
	if err := validChainID(chainID); err != nil {
		return nil, err
	}
	if from != nil && *from < 1 {
		return nil, &ledger.ValidationError{Field: "from", Msg: "must be >= 1"}
	}
	if to != nil && *to < 1 {
		return nil, &ledger.ValidationError{Field: "to", Msg: "must be >= 1"}
	}
	if from != nil && to != nil && *from > *to {
		return nil, &ledger.ValidationError{Field: "from", Msg: "must not exceed to"}
	}

	res, err := s.verifier.VerifyRange(ctx, chainID, from, to)
	if err != nil {
		return nil, err
	}
	if s.hooks.OnVerify != nil {
		s.hooks.OnVerify(res)
	}
	if !res.Valid {
		s.ReportBreak(ctx, res)
	}
	return res, nil
}

// ReportBreak publishes a detected chain break and notifies the health hook.
func (s *LedgerService) ReportBreak(ctx context.Context, res *verifier.Result) {
	var at int64
	if res.FirstBreakAt != nil {
		at = *res.FirstBreakAt
	}
	s.logger.Error("ledger integrity break",
		zap.String("chain_id", res.ChainID),
		zap.Int64("first_break_at", at),
		zap.String("reason", string(res.Reason)),
	)
	if s.hooks.OnBreak != nil {
		s.hooks.OnBreak(res)
	}
	s.publish(ctx, events.Event{
		Type:       events.ChainBroken,
		ChainID:    res.ChainID,
		Sequence:   at,
		Attributes: map[string]string{"reason": string(res.Reason)},
		OccurredAt: res.VerifiedAt,
	})
}

// CreateSnapshot checkpoints chainID. created is false when nothing was
// appended since the previous snapshot.
func (s *LedgerService) CreateSnapshot(ctx context.Context, chainID string) (*ledger.Snapshot, bool, error) {
	return s.SnapshotAs(ctx, chainID, s.cfg.SnapshotActor)
}

// SnapshotAs is CreateSnapshot with an explicit actor recorded as the
// snapshot's creator.
func (s *LedgerService) SnapshotAs(ctx context.Context, chainID, actor string) (snap *ledger.Snapshot, created bool, err error) {
	if err := validChainID(chainID); err != nil {
		return nil, false, err
	}
	snap, created, err = s.snapshots.Create(ctx, chainID, actor)
	if s.hooks.OnSnapshot != nil {
		s.hooks.OnSnapshot(chainID, err)
	}

	var breakErr *verifier.BreakError
	if errors.As(err, &breakErr) {
		s.ReportBreak(ctx, breakErr.Result)
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		s.publish(ctx, events.Event{
			Type:     events.SnapshotCreated,
			ChainID:  chainID,
			Sequence: snap.MarkerSequence,
			Hash:     snap.CumulativeHash,
			Attributes: map[string]string{
				"at_sequence": fmt.Sprint(snap.AtSequence),
			},
			OccurredAt: snap.CreatedAt,
		})
	}
	return snap, created, nil
}

// LatestSnapshot returns the newest snapshot of chainID.
func (s *LedgerService) LatestSnapshot(ctx context.Context, chainID string) (*ledger.Snapshot, error) {
	if err := validChainID(chainID); err != nil {
		return nil, err
	}
	return s.snapshots.Latest(ctx, chainID)
}

// ExportLatestSnapshot writes the newest snapshot of chainID as an archive.
func (s *LedgerService) ExportLatestSnapshot(ctx context.Context, w io.Writer, chainID, format string) error {
	switch format {
	case snapshot.FormatJSON, snapshot.FormatTOML:
	default:
		return &ledger.ValidationError{Field: "format", Msg: fmt.Sprintf("unsupported export format %q", format)}
	}
	snap, err := s.LatestSnapshot(ctx, chainID)
	if err != nil {
		return err
	}
	return snapshot.Export(w, snap, format, s.now())
}

// RejectMutation handles an attempt to update or delete a stored entry. It
// always returns an *ledger.ImmutabilityError; the attempt is logged and
// published.
func (s *LedgerService) RejectMutation(ctx context.Context, chainID string, seq int64, op string) error {
	var err error
	guard, ok := s.store.(ledger.Guard)
	switch {
	case !ok:
		err = &ledger.ImmutabilityError{ChainID: chainID, Sequence: seq, Op: op}
	case op == "delete":
		err = guard.DeleteEntry(ctx, chainID, seq)
	default:
		err = guard.UpdateEntry(ctx, &ledger.Entry{ChainID: chainID, SequenceNumber: seq})
	}

	var immErr *ledger.ImmutabilityError
	if !errors.As(err, &immErr) {
		// A guard that failed for another reason still must not report success.
		immErr = &ledger.ImmutabilityError{ChainID: chainID, Sequence: seq, Op: op, Detail: fmt.Sprint(err)}
	}
	s.publish(ctx, events.Event{
		Type:       events.ImmutabilityViolation,
		ChainID:    chainID,
		Sequence:   seq,
		Attributes: map[string]string{"op": op},
		OccurredAt: s.now().UTC(),
	})
	return immErr
}

// publish sends e without letting caller cancellation or a slow backend
// affect the ledger operation that produced it.
func (s *LedgerService) publish(ctx context.Context, e events.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pctx, e); err != nil {
		s.logger.Warn("event publish failed",
			zap.String("type", string(e.Type)),
			zap.String("chain_id", e.ChainID),
			zap.Error(err),
		)
	}
}

// validate turns req into a NewEntry. No lock is taken and nothing is
// written when it fails.
func (s *LedgerService) validate(req AppendRequest) (*ledger.NewEntry, error) {
	chainID := s.chainFor(req)
	if err := validChainID(chainID); err != nil {
		return nil, err
	}

	entryType := ledger.EntryType(strings.ToLower(strings.TrimSpace(req.EntryType)))
	switch entryType {
	case ledger.EntryCredit, ledger.EntryDebit, ledger.EntryAdjustment:
	case ledger.EntrySnapshotMarker:
		return nil, &ledger.ValidationError{Field: "entry_type", Msg: "snapshot_marker entries are written by the snapshot service"}
	default:
		return nil, &ledger.ValidationError{Field: "entry_type", Msg: fmt.Sprintf("must be credit, debit or adjustment, got %q", req.EntryType)}
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.cfg.BaseCurrency
	}
	if !ledger.KnownCurrency(currency) {
		return nil, &ledger.ValidationError{Field: "currency", Msg: fmt.Sprintf("%q is not an ISO 4217 code", req.Currency)}
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return nil, &ledger.ValidationError{Field: "amount", Msg: fmt.Sprintf("%q is not a decimal number", req.Amount)}
	}
	if !amount.IsPositive() {
		return nil, &ledger.ValidationError{Field: "amount", Msg: "must be greater than zero"}
	}
	if ledger.IntegerDigits(amount) > ledger.MaxIntegerDigits {
		return nil, &ledger.ValidationError{Field: "amount", Msg: fmt.Sprintf("must have at most %d integer digits", ledger.MaxIntegerDigits)}
	}
	fraction := int32(ledger.CurrencyFraction(currency))
	if !amount.Round(fraction).Equal(amount) {
		return nil, &ledger.ValidationError{Field: "amount", Msg: fmt.Sprintf("%s allows at most %d decimal places", currency, fraction)}
	}

	if len(req.Description) > s.cfg.MaxDescription {
		return nil, &ledger.ValidationError{Field: "description", Msg: fmt.Sprintf("must be at most %d bytes", s.cfg.MaxDescription)}
	}
	if !utf8.ValidString(req.Description) {
		return nil, &ledger.ValidationError{Field: "description", Msg: "must be valid UTF-8"}
	}
	if !req.CreatedAt.IsZero() {
		if limit := s.now().Add(s.cfg.MaxClockSkew); req.CreatedAt.After(limit) {
			return nil, &ledger.ValidationError{Field: "created_at", Msg: fmt.Sprintf("must not be more than %s ahead of the server clock", s.cfg.MaxClockSkew)}
		}
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		return nil, &ledger.ValidationError{Field: "idempotency_key", Msg: fmt.Sprintf("must be at most %d bytes", maxIdempotencyKeyLen)}
	}

	return &ledger.NewEntry{
		ChainID:        chainID,
		EntryType:      entryType,
		Amount:         amount,
		Currency:       currency,
		Description:    req.Description,
		CreatedAt:      req.CreatedAt,
		IdempotencyKey: req.IdempotencyKey,
	}, nil
}

// chainFor derives the chain an append belongs to.
func (s *LedgerService) chainFor(req AppendRequest) string {
	switch {
	case req.ChainID != "":
		return req.ChainID
	case req.ProjectID != "":
		return "project:" + req.ProjectID
	case req.UserID != "":
		return "user:" + req.UserID
	default:
		return s.cfg.DefaultChain
	}
}

// DefaultChain returns the chain used when a request names none.
func (s *LedgerService) DefaultChain() string {
	return s.cfg.DefaultChain
}

func validChainID(id string) error {
	if id == "" {
		return &ledger.ValidationError{Field: "chain_id", Msg: "must not be empty"}
	}
	if len(id) > maxChainIDLen {
		return &ledger.ValidationError{Field: "chain_id", Msg: fmt.Sprintf("must be at most %d bytes", maxChainIDLen)}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) || r == '/' {
			return &ledger.ValidationError{Field: "chain_id", Msg: "must not contain whitespace, control characters or '/'"}
		}
	}
	return nil
}
