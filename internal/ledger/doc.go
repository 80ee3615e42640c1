// Package ledger implements the immutable, hash-chained financial ledger.
//
// Every chain (one per partition key, e.g. a project or an owner) begins at
// sequence 1 whose PreviousHash is GenesisHash (64 hex zeros). Each entry
// records the SHA-256 of its predecessor plus its own canonical content, so
// any modification of a stored row is detectable by re-walking the chain.
//
// Two implementations of the Store interface are provided:
//   - MemoryStore: in-process, for testing and development.
//   - PostgresStore: durable, for production use. UPDATE and DELETE are
//     rejected by a table trigger as well as by the Go API.
package ledger
