// Package events publishes ledger notifications to downstream consumers.
// Publishing is best effort: the ledger is the source of truth and a failed
// publish never undoes a committed append.
package events

import (
	"context"
	"time"
)

// Type names an event.
type Type string

const (
	EntryAppended         Type = "ledger.entry_appended"
	SnapshotCreated       Type = "ledger.snapshot_created"
	ChainBroken           Type = "ledger.chain_broken"
	ImmutabilityViolation Type = "ledger.immutability_violation"
)

// Event is the envelope written to every backend.
type Event struct {
	Type       Type              `json:"type"`
	ChainID    string            `json:"chain_id"`
	Sequence   int64             `json:"sequence"`
	Hash       string            `json:"hash,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NoopPublisher discards every event. It is used when no backend is
// configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }
func (NoopPublisher) Close() error                          { return nil }
