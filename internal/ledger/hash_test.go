package ledger_test

import (
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/shopspring/decimal"
)

func sampleEntry() *ledger.Entry {
	return &ledger.Entry{
		ChainID:        "acct-1",
		SequenceNumber: 1,
		EntryType:      ledger.EntryCredit,
		Amount:         decimal.RequireFromString("120.00"),
		Currency:       "MXN",
		Description:    "Deposit",
		CreatedAt:      time.Date(2024, 1, 2, 3, 4, 5, 123456000, time.UTC),
	}
}

func TestCanonical_fieldOrder(t *testing.T) {
	got := string(ledger.Canonical(sampleEntry()))
	want := "acct-1|1|credit|120.00|MXN|7:Deposit|2024-01-02T03:04:05.123456000Z"
	if got != want {
		t.Errorf("Canonical:\n got %q\nwant %q", got, want)
	}
}

func TestComputeHash_goldenVector(t *testing.T) {
	got := ledger.ComputeHash(ledger.GenesisHash, sampleEntry())
	want := "a015ef481e1a35bda9f263059b33248d1612ba711b2a1914e12ce13629da99de"
	if got != want {
		t.Errorf("ComputeHash: got %s, want %s", got, want)
	}
}

func TestComputeHash_deterministic(t *testing.T) {
	e := sampleEntry()
	if ledger.ComputeHash(ledger.GenesisHash, e) != ledger.ComputeHash(ledger.GenesisHash, e) {
		t.Fatal("ComputeHash is not deterministic")
	}
}

func TestComputeHash_ignoresStoredHashes(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.EntryHash = "deadbeef"
	b.PreviousHash = "cafebabe"
	b.IsVerified = true
	if ledger.ComputeHash(ledger.GenesisHash, a) != ledger.ComputeHash(ledger.GenesisHash, b) {
		t.Error("stored hashes or verification cache leaked into the hash")
	}
}

func TestComputeHash_amountScaleIsNormalised(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.Amount = decimal.RequireFromString("120")
	c := sampleEntry()
	c.Amount = decimal.RequireFromString("120.000000")
	ha := ledger.ComputeHash(ledger.GenesisHash, a)
	if ha != ledger.ComputeHash(ledger.GenesisHash, b) || ha != ledger.ComputeHash(ledger.GenesisHash, c) {
		t.Error("equal amounts with different scale hashed differently")
	}
}

func TestComputeHash_sensitiveToEveryField(t *testing.T) {
	base := ledger.ComputeHash(ledger.GenesisHash, sampleEntry())

	mutations := map[string]func(e *ledger.Entry){
		"chain_id":    func(e *ledger.Entry) { e.ChainID = "acct-2" },
		"sequence":    func(e *ledger.Entry) { e.SequenceNumber = 2 },
		"entry_type":  func(e *ledger.Entry) { e.EntryType = ledger.EntryDebit },
		"amount":      func(e *ledger.Entry) { e.Amount = decimal.RequireFromString("120.01") },
		"sub_minor":   func(e *ledger.Entry) { e.Amount = decimal.RequireFromString("120.001") },
		"currency":    func(e *ledger.Entry) { e.Currency = "USD" },
		"description": func(e *ledger.Entry) { e.Description = "Deposit." },
		"created_at":  func(e *ledger.Entry) { e.CreatedAt = e.CreatedAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := sampleEntry()
			mutate(e)
			if ledger.ComputeHash(ledger.GenesisHash, e) == base {
				t.Errorf("changing %s did not change the hash", name)
			}
		})
	}

	if ledger.ComputeHash(strings.Repeat("1", 64), sampleEntry()) == base {
		t.Error("changing previous hash did not change the hash")
	}
}

func TestCanonical_descriptionIsLengthPrefixed(t *testing.T) {
	a := sampleEntry()
	a.Description = "a|b"
	b := sampleEntry()
	b.Description = "a"
	b.Currency = "MXN|b"
	if string(ledger.Canonical(a)) == string(ledger.Canonical(b)) {
		t.Error("delimiter in free text produced a colliding serialisation")
	}
}

func TestCanonical_timezoneIndependent(t *testing.T) {
	a := sampleEntry()
	b := sampleEntry()
	b.CreatedAt = a.CreatedAt.In(time.FixedZone("CST", -6*3600))
	if string(ledger.Canonical(a)) != string(ledger.Canonical(b)) {
		t.Error("same instant in different zones serialised differently")
	}
}

func TestSnapshotHash_orderIndependentAndChained(t *testing.T) {
	snap := &ledger.Snapshot{
		ChainID:    "acct-1",
		AtSequence: 3,
		TipHash:    strings.Repeat("a", 64),
		Balances: map[string]ledger.Balance{
			"MXN": {Net: decimal.RequireFromString("120"), TotalIn: decimal.RequireFromString("150"), TotalOut: decimal.RequireFromString("30"), Entries: 3},
			"USD": {Net: decimal.RequireFromString("5"), TotalIn: decimal.RequireFromString("5"), Entries: 1},
		},
	}
	h1 := ledger.SnapshotHash(snap)
	if h1 != ledger.SnapshotHash(snap) {
		t.Fatal("SnapshotHash is not deterministic")
	}

	snap.PreviousSnapshotHash = strings.Repeat("b", 64)
	if ledger.SnapshotHash(snap) == h1 {
		t.Error("previous snapshot hash is not chained in")
	}
}

func TestMarkerDescription(t *testing.T) {
	got := ledger.MarkerDescription(3, "abc")
	if got != "snapshot:3:abc" {
		t.Errorf("MarkerDescription: got %q", got)
	}
}
