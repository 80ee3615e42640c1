package snapshot

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
)

// Archive formats.
const (
	FormatJSON = "json"
	FormatTOML = "toml"
)

// archiveVersion is bumped when the archive layout changes.
const archiveVersion = 1

// Archive is the compliance export of a snapshot. Amounts are rendered as
// strings with the currency's minor-unit digits.
type Archive struct {
	Version              int              `json:"version" toml:"version"`
	ExportedAt           time.Time        `json:"exported_at" toml:"exported_at"`
	ID                   string           `json:"id" toml:"id"`
	ChainID              string           `json:"chain_id" toml:"chain_id"`
	AtSequence           int64            `json:"at_sequence" toml:"at_sequence"`
	MarkerSequence       int64            `json:"marker_sequence" toml:"marker_sequence"`
	PreviousSnapshotHash string           `json:"previous_snapshot_hash" toml:"previous_snapshot_hash"`
	TipHash              string           `json:"tip_hash" toml:"tip_hash"`
	CumulativeHash       string           `json:"cumulative_hash" toml:"cumulative_hash"`
	Seal                 string           `json:"seal,omitempty" toml:"seal,omitempty"`
	CreatedAt            time.Time        `json:"created_at" toml:"created_at"`
	CreatedBy            string           `json:"created_by" toml:"created_by"`
	Balances             []ArchiveBalance `json:"balances" toml:"balances"`
}

// ArchiveBalance is one currency line of an Archive.
type ArchiveBalance struct {
	Currency string `json:"currency" toml:"currency"`
	Net      string `json:"net" toml:"net"`
	TotalIn  string `json:"total_in" toml:"total_in"`
	TotalOut string `json:"total_out" toml:"total_out"`
	Entries  int64  `json:"entries" toml:"entries"`
}

// NewArchive renders snap for export. Balances are sorted by currency.
func NewArchive(snap *ledger.Snapshot, exportedAt time.Time) *Archive {
	a := &Archive{
		Version:              archiveVersion,
		ExportedAt:           exportedAt.UTC(),
		ID:                   snap.ID.String(),
		ChainID:              snap.ChainID,
		AtSequence:           snap.AtSequence,
		MarkerSequence:       snap.MarkerSequence,
		PreviousSnapshotHash: snap.PreviousSnapshotHash,
		TipHash:              snap.TipHash,
		CumulativeHash:       snap.CumulativeHash,
		Seal:                 snap.Seal,
		CreatedAt:            snap.CreatedAt.UTC(),
		CreatedBy:            snap.CreatedBy,
	}
	for code, b := range snap.Balances {
		a.Balances = append(a.Balances, ArchiveBalance{
			Currency: code,
			Net:      ledger.FormatAmount(b.Net, code),
			TotalIn:  ledger.FormatAmount(b.TotalIn, code),
			TotalOut: ledger.FormatAmount(b.TotalOut, code),
			Entries:  b.Entries,
		})
	}
	sort.Slice(a.Balances, func(i, j int) bool { return a.Balances[i].Currency < a.Balances[j].Currency })
	return a
}

// Export writes snap to w as JSON or TOML.
func Export(w io.Writer, snap *ledger.Snapshot, format string, exportedAt time.Time) error {
	a := NewArchive(snap, exportedAt)
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(a)
	case FormatTOML:
		return toml.NewEncoder(w).Encode(a)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ContentType returns the MIME type for an export format.
func ContentType(format string) string {
	if format == FormatTOML {
		return "application/toml"
	}
	return "application/json"
}
