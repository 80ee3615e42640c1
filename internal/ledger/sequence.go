package ledger

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

// chainLock is a mutex whose acquisition can be abandoned when ctx is done.
// Holding it is what makes sequence allocation and persistence one step.
type chainLock chan struct{}

func newChainLock() chainLock { return make(chainLock, 1) }

func (l chainLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	default:
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for chain lock: %v: %w", ctx.Err(), ErrContention)
	}
}

func (l chainLock) release() { <-l }

// lockRegistry hands out one chainLock per chain so appends to different
// chains never contend.
type lockRegistry struct {
	locks *xsync.Map[string, chainLock]
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: xsync.NewMap[string, chainLock]()}
}

// acquire blocks until the chain's lock is held or ctx is done. The returned
// func releases it.
func (r *lockRegistry) acquire(ctx context.Context, chainID string) (func(), error) {
	l, ok := r.locks.Load(chainID)
	if !ok {
		l, _ = r.locks.LoadOrStore(chainID, newChainLock())
	}
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	return l.release, nil
}
