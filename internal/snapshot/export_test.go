package snapshot_test

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/snapshot"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportSnapshot() *ledger.Snapshot {
	return &ledger.Snapshot{
		ID:             uuid.MustParse("6f1c1a2e-6d1f-4c47-9f43-2a8f2f1e9b10"),
		ChainID:        "acct-1",
		AtSequence:     3,
		MarkerSequence: 4,
		TipHash:        "tip",
		CumulativeHash: "cum",
		Balances: map[string]ledger.Balance{
			"USD": {Net: decimal.RequireFromString("5"), TotalIn: decimal.RequireFromString("5"), Entries: 1},
			"MXN": {Net: decimal.RequireFromString("120"), TotalIn: decimal.RequireFromString("150"), TotalOut: decimal.RequireFromString("30"), Entries: 3},
		},
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		CreatedBy: "auditor",
	}
}

func TestExport_json(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, snapshot.Export(&buf, exportSnapshot(), snapshot.FormatJSON, time.Now()))

	var a snapshot.Archive
	require.NoError(t, json.Unmarshal(buf.Bytes(), &a))
	assert.Equal(t, 1, a.Version)
	assert.Equal(t, "acct-1", a.ChainID)
	require.Len(t, a.Balances, 2)
	assert.Equal(t, "MXN", a.Balances[0].Currency, "balances sorted by currency")
	assert.Equal(t, "120.00", a.Balances[0].Net)
	assert.Equal(t, "30.00", a.Balances[0].TotalOut)
}

func TestExport_toml(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, snapshot.Export(&buf, exportSnapshot(), snapshot.FormatTOML, time.Now()))

	var a snapshot.Archive
	_, err := toml.Decode(buf.String(), &a)
	require.NoError(t, err)
	assert.Equal(t, int64(3), a.AtSequence)
	assert.Equal(t, "cum", a.CumulativeHash)
	require.Len(t, a.Balances, 2)
	assert.Equal(t, "5.00", a.Balances[1].Net)
	assert.Contains(t, buf.String(), "[[balances]]")
}

func TestExport_unknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, snapshot.Export(&buf, exportSnapshot(), "xml", time.Now()))
	assert.Equal(t, "application/toml", snapshot.ContentType(snapshot.FormatTOML))
	assert.Equal(t, "application/json", snapshot.ContentType(snapshot.FormatJSON))
}
