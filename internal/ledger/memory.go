package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memoryChain is the in-memory state of one chain. Appends are serialised by
// the registry lock; mu guards readers against the slice being grown.
type memoryChain struct {
	mu        sync.RWMutex
	entries   []Entry
	byKey     map[string]int64
	balances  map[string]decimal.Decimal
	snapshots []Snapshot
}

func (c *memoryChain) tip() tip {
	if len(c.entries) == 0 {
		return genesisTip()
	}
	last := c.entries[len(c.entries)-1]
	return tip{seq: last.SequenceNumber, hash: last.EntryHash, createdAt: last.CreatedAt}
}

// MemoryStore is an in-memory, thread-safe Store implementation.
// It is primarily useful for testing and for single-process deployments
// that do not require durable persistence across restarts.
type MemoryStore struct {
	chains *xsync.Map[string, *memoryChain]
	locks  *lockRegistry
	now    func() time.Time
	logger *zap.Logger
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		chains: xsync.NewMap[string, *memoryChain](),
		locks:  newLockRegistry(),
		now:    time.Now,
		logger: logger,
	}
}

func (s *MemoryStore) chain(chainID string) *memoryChain {
	c, ok := s.chains.Load(chainID)
	if !ok {
		c, _ = s.chains.LoadOrStore(chainID, &memoryChain{
			byKey:    make(map[string]int64),
			balances: make(map[string]decimal.Decimal),
		})
	}
	return c
}

func (s *MemoryStore) existing(chainID string) (*memoryChain, bool) {
	return s.chains.Load(chainID)
}

// AppendEntry implements Store.
func (s *MemoryStore) AppendEntry(ctx context.Context, ne *NewEntry) (*Entry, error) {
	release, err := s.locks.acquire(ctx, ne.ChainID)
	if err != nil {
		return nil, err
	}
	defer release()

	c := s.chain(ne.ChainID)
	if replay, ok := c.replay(ne.IdempotencyKey); ok {
		return replay, nil
	}
	return c.append(ne, s.now())
}

func (c *memoryChain) replay(key string) (*Entry, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.byKey[key]
	if !ok {
		return nil, false
	}
	e := c.entries[seq-1]
	e.Replayed = true
	return &e, true
}

func (c *memoryChain) append(ne *NewEntry, now time.Time) (*Entry, error) {
	c.mu.RLock()
	t := c.tip()
	balance := c.balances[ne.Currency]
	c.mu.RUnlock()

	entry, err := chainEntry(ne, t, balance, now)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries = append(c.entries, *entry)
	c.balances[entry.Currency] = entry.BalanceAfter
	if entry.IdempotencyKey != "" {
		c.byKey[entry.IdempotencyKey] = entry.SequenceNumber
	}
	c.mu.Unlock()

	out := *entry
	return &out, nil
}

// GetEntry implements Store.
func (s *MemoryStore) GetEntry(_ context.Context, chainID string, seq int64) (*Entry, error) {
	c, ok := s.existing(chainID)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if seq < 1 || seq > int64(len(c.entries)) {
		return nil, ErrNotFound
	}
	e := c.entries[seq-1]
	return &e, nil
}

// Tip implements Store.
func (s *MemoryStore) Tip(ctx context.Context, chainID string) (*Entry, error) {
	c, ok := s.existing(chainID)
	if !ok {
		return nil, ErrNotFound
	}
	c.mu.RLock()
	n := int64(len(c.entries))
	c.mu.RUnlock()
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetEntry(ctx, chainID, n)
}

// Range implements Store. Entries are copied out before fn is called so fn
// may call back into the store.
func (s *MemoryStore) Range(ctx context.Context, chainID string, from, to int64, fn func(*Entry) error) error {
	c, ok := s.existing(chainID)
	if !ok {
		return nil
	}
	if from < 1 {
		from = 1
	}

	c.mu.RLock()
	if to > int64(len(c.entries)) {
		to = int64(len(c.entries))
	}
	var batch []Entry
	if from <= to {
		batch = make([]Entry, to-from+1)
		copy(batch, c.entries[from-1:to])
	}
	c.mu.RUnlock()

	for i := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(&batch[i]); err != nil {
			return err
		}
	}
	return nil
}

// Chains implements Store.
func (s *MemoryStore) Chains(_ context.Context) ([]string, error) {
	var ids []string
	s.chains.Range(func(id string, c *memoryChain) bool {
		c.mu.RLock()
		n := len(c.entries)
		c.mu.RUnlock()
		if n > 0 {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids, nil
}

// MarkVerified implements Store. Only the cached flag changes; hashed fields
// are untouched.
func (s *MemoryStore) MarkVerified(_ context.Context, chainID string, from, to int64, at time.Time) error {
	c, ok := s.existing(chainID)
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		seq := c.entries[i].SequenceNumber
		if seq < from || seq > to {
			continue
		}
		c.entries[i].IsVerified = true
		c.entries[i].VerifiedAt = &at
	}
	return nil
}

// ClearVerified implements Store.
func (s *MemoryStore) ClearVerified(_ context.Context, chainID string, from int64) error {
	c, ok := s.existing(chainID)
	if !ok {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		if c.entries[i].SequenceNumber >= from {
			c.entries[i].IsVerified = false
			c.entries[i].VerifiedAt = nil
		}
	}
	return nil
}

// AppendSnapshot implements Store.
func (s *MemoryStore) AppendSnapshot(ctx context.Context, snap *Snapshot, marker *NewEntry) (*Entry, error) {
	release, err := s.locks.acquire(ctx, snap.ChainID)
	if err != nil {
		return nil, err
	}
	defer release()

	c := s.chain(snap.ChainID)
	c.mu.RLock()
	t := c.tip()
	c.mu.RUnlock()
	if err := checkSnapshotTip(snap, t); err != nil {
		return nil, err
	}

	entry, err := c.append(marker, s.now())
	if err != nil {
		return nil, err
	}
	snap.MarkerSequence = entry.SequenceNumber

	c.mu.Lock()
	c.snapshots = append(c.snapshots, *snap)
	c.mu.Unlock()
	return entry, nil
}

// LatestSnapshot implements Store.
func (s *MemoryStore) LatestSnapshot(_ context.Context, chainID string, before int64) (*Snapshot, error) {
	c, ok := s.existing(chainID)
	if !ok {
		return nil, ErrNoSnapshot
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := len(c.snapshots) - 1; i >= 0; i-- {
		snap := c.snapshots[i]
		if before <= 0 || snap.MarkerSequence <= before {
			return &snap, nil
		}
	}
	return nil, ErrNoSnapshot
}

// UpdateEntry implements Guard. It always fails.
func (s *MemoryStore) UpdateEntry(_ context.Context, e *Entry) error {
	err := &ImmutabilityError{ChainID: e.ChainID, Sequence: e.SequenceNumber, Op: "update"}
	s.logger.Error("immutability violation", zap.Error(err))
	return err
}

// DeleteEntry implements Guard. It always fails.
func (s *MemoryStore) DeleteEntry(_ context.Context, chainID string, seq int64) error {
	err := &ImmutabilityError{ChainID: chainID, Sequence: seq, Op: "delete"}
	s.logger.Error("immutability violation", zap.Error(err))
	return err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Guard = (*MemoryStore)(nil)
)
