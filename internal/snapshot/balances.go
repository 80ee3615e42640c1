package snapshot

import "github.com/jmerrifield20/ChainLedger/internal/ledger"

// Fold adds e to the running balances. Credits and adjustments add, debits
// subtract, snapshot markers are ignored. The fold is order independent.
func Fold(balances map[string]ledger.Balance, e *ledger.Entry) {
	b := balances[e.Currency]
	switch e.EntryType {
	case ledger.EntryCredit, ledger.EntryAdjustment:
		b.Net = b.Net.Add(e.Amount)
		b.TotalIn = b.TotalIn.Add(e.Amount)
	case ledger.EntryDebit:
		b.Net = b.Net.Sub(e.Amount)
		b.TotalOut = b.TotalOut.Add(e.Amount)
	default:
		return
	}
	b.Entries++
	balances[e.Currency] = b
}

func copyBalances(in map[string]ledger.Balance) map[string]ledger.Balance {
	out := make(map[string]ledger.Balance, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
