package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLockRegistry_timeoutIsContention(t *testing.T) {
	r := newLockRegistry()

	release, err := r.acquire(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.acquire(ctx, "acct-1"); !errors.Is(err, ErrContention) {
		t.Errorf("expected ErrContention, got %v", err)
	}
}

func TestLockRegistry_chainsAreIndependent(t *testing.T) {
	r := newLockRegistry()

	release, err := r.acquire(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := r.acquire(ctx, "acct-2")
	if err != nil {
		t.Fatalf("lock on a different chain blocked: %v", err)
	}
	other()
}

func TestLockRegistry_releaseHandsOver(t *testing.T) {
	r := newLockRegistry()

	release, err := r.acquire(context.Background(), "acct-1")
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		rel, err := r.acquire(ctx, "acct-1")
		if err == nil {
			rel()
		}
		got <- err
	}()

	time.Sleep(10 * time.Millisecond)
	release()
	if err := <-got; err != nil {
		t.Errorf("waiter did not get the lock after release: %v", err)
	}
}

func TestChainEntry_timestamps(t *testing.T) {
	tipTime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tp := tip{seq: 4, hash: GenesisHash, createdAt: tipTime}

	// Server clock behind the tip: clamped.
	e, err := chainEntry(&NewEntry{ChainID: "c", EntryType: EntryCredit}, tp, decimal.Zero, tipTime.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !e.CreatedAt.Equal(tipTime) {
		t.Errorf("expected clamp to tip time, got %v", e.CreatedAt)
	}
	if e.SequenceNumber != 5 {
		t.Errorf("expected seq 5, got %d", e.SequenceNumber)
	}

	// Explicit timestamp behind the tip: rejected.
	_, err = chainEntry(&NewEntry{ChainID: "c", EntryType: EntryCredit, CreatedAt: tipTime.Add(-time.Hour)}, tp, decimal.Zero, tipTime)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "created_at" {
		t.Errorf("expected created_at ValidationError, got %v", err)
	}

	// Nanoseconds are truncated before hashing.
	e, err = chainEntry(&NewEntry{ChainID: "c", EntryType: EntryCredit}, genesisTip(), decimal.Zero, tipTime.Add(1500*time.Nanosecond))
	if err != nil {
		t.Fatal(err)
	}
	if e.CreatedAt.Nanosecond() != 1000 {
		t.Errorf("expected microsecond truncation, got %d ns", e.CreatedAt.Nanosecond())
	}
}

func TestChainEntry_rejectsFutureTimestamp(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

	_, err := chainEntry(&NewEntry{
		ChainID:   "c",
		EntryType: EntryCredit,
		CreatedAt: time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC),
	}, genesisTip(), decimal.Zero, now)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "created_at" {
		t.Fatalf("expected created_at ValidationError, got %v", err)
	}

	e, err := chainEntry(&NewEntry{ChainID: "c", EntryType: EntryCredit, CreatedAt: now.Add(time.Minute)}, genesisTip(), decimal.Zero, now)
	if err != nil {
		t.Fatalf("timestamp within skew rejected: %v", err)
	}
	if !e.CreatedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("expected explicit timestamp kept, got %v", e.CreatedAt)
	}
}

func TestChainEntry_balanceAfter(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	prev := decimal.RequireFromString("100.00")

	tests := []struct {
		entryType EntryType
		amount    string
		want      string
	}{
		{EntryCredit, "50.00", "150"},
		{EntryAdjustment, "5.00", "105"},
		{EntryDebit, "30.00", "70"},
		{EntrySnapshotMarker, "0", "100"},
	}
	for _, tc := range tests {
		e, err := chainEntry(&NewEntry{
			ChainID:   "c",
			EntryType: tc.entryType,
			Amount:    decimal.RequireFromString(tc.amount),
			Currency:  "MXN",
		}, genesisTip(), prev, now)
		if err != nil {
			t.Fatalf("%s: %v", tc.entryType, err)
		}
		if !e.BalanceAfter.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("%s: expected balance %s, got %s", tc.entryType, tc.want, e.BalanceAfter)
		}
	}
}
