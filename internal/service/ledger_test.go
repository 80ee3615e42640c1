package service_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/events"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/service"
	"github.com/jmerrifield20/ChainLedger/internal/snapshot"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var ctx = context.Background()

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Type
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// amountTamper rewrites the amount of one stored entry on read, the way a
// direct database edit would appear to the service.
type amountTamper struct {
	ledger.Store
	seq    int64
	amount decimal.Decimal
}

func (a *amountTamper) Range(ctx context.Context, chainID string, from, to int64, fn func(*ledger.Entry) error) error {
	return a.Store.Range(ctx, chainID, from, to, func(e *ledger.Entry) error {
		if e.SequenceNumber == a.seq {
			e.Amount = a.amount
		}
		return fn(e)
	})
}

func testConfig() service.Config {
	return service.Config{
		DefaultChain:   "global",
		BaseCurrency:   "MXN",
		AppendTimeout:  time.Second,
		MaxDescription: 1024,
	}
}

func newService(t *testing.T, store ledger.Store) (*service.LedgerService, *recordingPublisher) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	v := verifier.New(store, 2, logger)
	t.Cleanup(v.Stop)
	snaps := snapshot.NewService(store, v, "MXN", nil, logger)
	svc := service.NewLedgerService(store, v, snaps, testConfig(), logger)
	pub := &recordingPublisher{}
	svc.SetPublisher(pub)
	return svc, pub
}

func TestLedgerService_concreteScenario(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, pub := newService(t, store)

	reqs := []service.AppendRequest{
		{ChainID: "acct-1", EntryType: "credit", Amount: "100.00", Currency: "MXN"},
		{ChainID: "acct-1", EntryType: "debit", Amount: "30.00", Currency: "MXN"},
		{ChainID: "acct-1", EntryType: "credit", Amount: "50.00", Currency: "MXN"},
	}
	for i, req := range reqs {
		e, err := svc.Append(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}

	res, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(3), res.EntriesVerified)

	snap, created, err := svc.CreateSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "120.00", ledger.FormatAmount(snap.Balances["MXN"].Net, "MXN"))

	assert.Equal(t, []events.Type{
		events.EntryAppended, events.EntryAppended, events.EntryAppended, events.SnapshotCreated,
	}, pub.types())
}

func TestLedgerService_tamperScenario(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	for _, amount := range []string{"100.00", "30.00", "50.00"} {
		_, err := store.AppendEntry(ctx, &ledger.NewEntry{
			ChainID: "acct-1", EntryType: ledger.EntryCredit,
			Amount: decimal.RequireFromString(amount), Currency: "MXN",
		})
		require.NoError(t, err)
	}

	tampered := &amountTamper{Store: store, seq: 2, amount: decimal.RequireFromString("3000.00")}
	svc, pub := newService(t, tampered)
	var broken []*verifier.Result
	svc.SetHooks(service.Hooks{OnBreak: func(r *verifier.Result) { broken = append(broken, r) }})

	res, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.FirstBreakAt)
	assert.Equal(t, int64(2), *res.FirstBreakAt)
	assert.Len(t, broken, 1)
	assert.Contains(t, pub.types(), events.ChainBroken)

	// A snapshot is refused over the break.
	_, _, err = svc.CreateSnapshot(ctx, "acct-1")
	var breakErr *verifier.BreakError
	assert.True(t, errors.As(err, &breakErr))
}

func TestLedgerService_validation(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	long := string(bytes.Repeat([]byte("x"), 1025))
	tests := map[string]struct {
		req   service.AppendRequest
		field string
	}{
		"zero amount":      {service.AppendRequest{EntryType: "credit", Amount: "0"}, "amount"},
		"negative amount":  {service.AppendRequest{EntryType: "credit", Amount: "-5"}, "amount"},
		"not a number":     {service.AppendRequest{EntryType: "credit", Amount: "ten"}, "amount"},
		"too precise":      {service.AppendRequest{EntryType: "credit", Amount: "1.001", Currency: "MXN"}, "amount"},
		"yen fraction":     {service.AppendRequest{EntryType: "credit", Amount: "1.5", Currency: "JPY"}, "amount"},
		"unknown type":     {service.AppendRequest{EntryType: "transfer", Amount: "1"}, "entry_type"},
		"reserved type":    {service.AppendRequest{EntryType: "snapshot_marker", Amount: "1"}, "entry_type"},
		"unknown currency": {service.AppendRequest{EntryType: "credit", Amount: "1", Currency: "ABCD"}, "currency"},
		"long description": {service.AppendRequest{EntryType: "credit", Amount: "1", Description: long}, "description"},
		"bad chain":        {service.AppendRequest{ChainID: "a b", EntryType: "credit", Amount: "1"}, "chain_id"},
		"huge exponent":    {service.AppendRequest{EntryType: "credit", Amount: "1e2000000"}, "amount"},
		"too many digits":  {service.AppendRequest{EntryType: "credit", Amount: "100000000000000"}, "amount"},
		"far future":       {service.AppendRequest{EntryType: "credit", Amount: "1", CreatedAt: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)}, "created_at"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Append(ctx, tt.req)
			var verr *ledger.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	chains, err := store.Chains(ctx)
	require.NoError(t, err)
	assert.Empty(t, chains, "rejected appends must not write")
}

func TestLedgerService_futureTimestampCannotFreezeChain(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	_, err := svc.Append(ctx, service.AppendRequest{
		ChainID:   "acct-1",
		EntryType: "credit",
		Amount:    "1.00",
		CreatedAt: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	var verr *ledger.ValidationError
	require.True(t, errors.As(err, &verr), "got %v", err)
	assert.Equal(t, "created_at", verr.Field)

	e, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1.00"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.SequenceNumber)
	assert.WithinDuration(t, time.Now(), e.CreatedAt, time.Minute)

	e, err = svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1.00", CreatedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.SequenceNumber)
}

func TestLedgerService_largestAmount(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	e, err := svc.Append(ctx, service.AppendRequest{EntryType: "credit", Amount: "99999999999999.99"})
	require.NoError(t, err)
	assert.Equal(t, "99999999999999.99", ledger.FormatAmount(e.Amount, e.Currency))
	assert.True(t, e.BalanceAfter.Equal(e.Amount))
}

func TestLedgerService_defaultsAndNormalisation(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	e, err := svc.Append(ctx, service.AppendRequest{EntryType: " Credit ", Amount: "12.5", Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "global", e.ChainID)
	assert.Equal(t, ledger.EntryCredit, e.EntryType)
	assert.Equal(t, "USD", e.Currency)

	e, err = svc.Append(ctx, service.AppendRequest{EntryType: "debit", Amount: "1"})
	require.NoError(t, err)
	assert.Equal(t, "MXN", e.Currency, "base currency applied")
}

func TestLedgerService_chainDerivation(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	tests := []struct {
		req  service.AppendRequest
		want string
	}{
		{service.AppendRequest{ChainID: "treasury", ProjectID: "p1", UserID: "u1"}, "treasury"},
		{service.AppendRequest{ProjectID: "p1", UserID: "u1"}, "project:p1"},
		{service.AppendRequest{UserID: "u1"}, "user:u1"},
		{service.AppendRequest{}, "global"},
	}
	for _, tt := range tests {
		tt.req.EntryType = "credit"
		tt.req.Amount = "1"
		e, err := svc.Append(ctx, tt.req)
		require.NoError(t, err)
		assert.Equal(t, tt.want, e.ChainID)
	}
}

func TestLedgerService_concurrentAppends(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	const n = 50
	var wg sync.WaitGroup
	seqs := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1"})
			if err != nil {
				t.Error(err)
				return
			}
			seqs <- e.SequenceNumber
		}()
	}
	wg.Wait()
	close(seqs)

	seen := map[int64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "duplicate sequence %d", s)
		seen[s] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing sequence %d", i)
	}

	res, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, int64(n), res.EntriesVerified)
}

func TestLedgerService_idempotentReplay(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, pub := newService(t, store)
	observed := 0
	svc.SetAppendObserver(func(string) { observed++ })

	req := service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "10", IdempotencyKey: "k1"}
	first, err := svc.Append(ctx, req)
	require.NoError(t, err)
	second, err := svc.Append(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.EntryHash, second.EntryHash)
	assert.Equal(t, 1, observed)
	assert.Len(t, pub.types(), 1)
}

func TestLedgerService_verifyIsIdempotent(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)
	for i := 0; i < 3; i++ {
		_, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1"})
		require.NoError(t, err)
	}

	a, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	b, err := svc.VerifyChain(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, a.Valid, b.Valid)
	assert.Equal(t, a.EntriesVerified, b.EntriesVerified)
	assert.Equal(t, a.FirstBreakAt, b.FirstBreakAt)
}

func TestLedgerService_verifyRangeValidation(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)
	five, two, zero := int64(5), int64(2), int64(0)

	_, err := svc.VerifyRange(ctx, "acct-1", &five, &two)
	var verr *ledger.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = svc.VerifyRange(ctx, "acct-1", &zero, nil)
	assert.True(t, errors.As(err, &verr))
}

func TestLedgerService_rejectMutation(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, pub := newService(t, store)
	_, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1"})
	require.NoError(t, err)

	for _, op := range []string{"update", "delete"} {
		err := svc.RejectMutation(ctx, "acct-1", 1, op)
		var immErr *ledger.ImmutabilityError
		require.True(t, errors.As(err, &immErr))
		assert.Equal(t, op, immErr.Op)
		assert.ErrorIs(t, err, ledger.ErrImmutable)
	}
	assert.Contains(t, pub.types(), events.ImmutabilityViolation)

	e, err := svc.GetEntry(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "1.00", ledger.FormatAmount(e.Amount, e.Currency))
}

func TestLedgerService_getEntry(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	_, err := svc.GetEntry(ctx, "acct-1", 1)
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	_, err = svc.GetEntry(ctx, "acct-1", 0)
	var verr *ledger.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestLedgerService_exportLatestSnapshot(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	var buf bytes.Buffer
	assert.ErrorIs(t, svc.ExportLatestSnapshot(ctx, &buf, "acct-1", "json"), ledger.ErrNoSnapshot)

	_, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "7"})
	require.NoError(t, err)
	_, _, err = svc.CreateSnapshot(ctx, "acct-1")
	require.NoError(t, err)

	require.NoError(t, svc.ExportLatestSnapshot(ctx, &buf, "acct-1", "toml"))
	assert.Contains(t, buf.String(), `net = "7.00"`)

	var verr *ledger.ValidationError
	assert.True(t, errors.As(svc.ExportLatestSnapshot(ctx, &buf, "acct-1", "csv"), &verr))
}

func TestLedgerService_hooks(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)

	var appends, verifies, snaps int
	svc.SetHooks(service.Hooks{
		OnAppend:   func(string, time.Duration, error) { appends++ },
		OnVerify:   func(*verifier.Result) { verifies++ },
		OnSnapshot: func(string, error) { snaps++ },
	})

	_, _ = svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1"})
	_, _ = svc.VerifyChain(ctx, "acct-1")
	_, _, _ = svc.CreateSnapshot(ctx, "acct-1")

	assert.Equal(t, 1, appends)
	assert.Equal(t, 1, verifies)
	assert.Equal(t, 1, snaps)
}

func TestLedgerService_snapshotAsRecordsActor(t *testing.T) {
	store := ledger.NewMemoryStore(zaptest.NewLogger(t))
	svc, _ := newService(t, store)
	_, err := svc.Append(ctx, service.AppendRequest{ChainID: "acct-1", EntryType: "credit", Amount: "1"})
	require.NoError(t, err)

	snap, created, err := svc.SnapshotAs(ctx, "acct-1", "scheduler")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "scheduler", snap.CreatedBy)
}
