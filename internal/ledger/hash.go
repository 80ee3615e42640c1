package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

// GenesisHash is the previous_hash of sequence 1 on every chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonicalTimeLayout is UTC RFC3339 with a fixed nanosecond field.
const canonicalTimeLayout = "2006-01-02T15:04:05.000000000Z"

// timestampPrecision is the resolution entries are truncated to before
// hashing. PostgreSQL timestamptz stores microseconds.
const timestampPrecision = time.Microsecond

// Canonical returns the byte serialisation of e that is fed to the hash.
// Field order is fixed:
//
//	chain_id|sequence_number|entry_type|amount|currency|len(description):description|created_at
//
// The description is length-prefixed so a '|' inside free text cannot shift
// the following fields. PreviousHash is not included here; ComputeHash
// prepends it.
func Canonical(e *Entry) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|%s|%s|%d:%s|%s",
		e.ChainID,
		e.SequenceNumber,
		e.EntryType,
		FormatAmount(e.Amount, e.Currency),
		e.Currency,
		len(e.Description), e.Description,
		e.CreatedAt.UTC().Format(canonicalTimeLayout),
	)
	return []byte(b.String())
}

// ComputeHash returns hex(SHA-256(previousHash || Canonical(e))).
// It is pure: the stored e.EntryHash and e.PreviousHash are ignored.
func ComputeHash(previousHash string, e *Entry) string {
	h := sha256.New()
	io.WriteString(h, previousHash) //nolint:errcheck
	h.Write(Canonical(e))           //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotHash chains a snapshot record to its predecessor and to the tip it
// covers. Balances are serialised with currencies in sorted order.
func SnapshotHash(s *Snapshot) string {
	codes := make([]string, 0, len(s.Balances))
	for code := range s.Balances {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%s|", s.ChainID, s.AtSequence, s.TipHash)
	for i, code := range codes {
		bal := s.Balances[code]
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s=%s,%s,%s,%d", code,
			FormatAmount(bal.Net, code),
			FormatAmount(bal.TotalIn, code),
			FormatAmount(bal.TotalOut, code),
			bal.Entries,
		)
	}

	h := sha256.New()
	io.WriteString(h, s.PreviousSnapshotHash) //nolint:errcheck
	io.WriteString(h, b.String())             //nolint:errcheck
	return hex.EncodeToString(h.Sum(nil))
}

// MarkerDescription is the description stored on the snapshot_marker entry
// that records a snapshot in the chain itself.
func MarkerDescription(atSequence int64, cumulativeHash string) string {
	return fmt.Sprintf("snapshot:%d:%s", atSequence, cumulativeHash)
}

// normalizeTime converts t to the representation that is hashed and stored.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(timestampPrecision)
}
