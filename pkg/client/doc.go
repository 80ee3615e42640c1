// Package client is the Go SDK for the ledger HTTP API.
//
// # Appending entries
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.Append(ctx, client.AppendRequest{
//	    ChainID:        "acct-1",
//	    EntryType:      "credit",
//	    Amount:         "100.00",
//	    Currency:       "MXN",
//	    Description:    "Deposit",
//	    IdempotencyKey: "deposit-7f3a",
//	})
//
// Amounts are decimal strings; they never pass through float64.
//
// # Retries
//
// A 409 means the chain lock was busy. Append retries it with backoff, but
// only when an idempotency key is set, so a retry can never record the same
// event twice. Tune or disable the policy with WithRetry.
//
// # Verifying a chain
//
//	res, err := c.Verify(ctx, "acct-1", nil, nil)
//	if !res.Valid {
//	    log.Printf("chain broken at %d: %s", *res.FirstBreakAt, res.Reason)
//	}
//
// A broken chain is a successful call: inspect Valid rather than the error.
//
// # Snapshots
//
//	snap, created, err := c.CreateSnapshot(ctx, "acct-1")
//	err = c.ExportSnapshot(ctx, "acct-1", client.FormatTOML, os.Stdout)
//
// Errors returned by the server are *APIError values; use errors.Is with
// ErrNotFound, ErrConflict, ErrImmutable or ErrBrokenChain to classify them.
package client
