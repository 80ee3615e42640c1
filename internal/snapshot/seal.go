package snapshot

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/jmerrifield20/ChainLedger/internal/ledger"
)

// SealKeyPurpose is the HKDF purpose string the seal key is derived under.
const SealKeyPurpose = "snapshot-seal"

// Seal returns hex(HMAC-SHA256(key, chain_id|id|cumulative_hash)).
func Seal(key []byte, snap *ledger.Snapshot) string {
	mac := hmac.New(sha256.New, key)
	io.WriteString(mac, snap.ChainID+"|"+snap.ID.String()+"|"+snap.CumulativeHash) //nolint:errcheck
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckSeal reports whether snap.Seal was produced by key for this snapshot.
func CheckSeal(key []byte, snap *ledger.Snapshot) bool {
	want, err := hex.DecodeString(snap.Seal)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Seal(key, snap))
	return hmac.Equal(got, want)
}
