package replication

import (
	"context"
	"sync"

	"github.com/Taicanium/Sylver-Ink-sub000/pkg/records"
)

// Target grants exclusive access to the store a role replicates. Do must run fn while no
// other mutation of the store can happen, and must return fn's error. Roles enqueue
// outbound frames from inside fn so that snapshots, applied messages and broadcasts are
// ordered the same way on every peer.
type Target interface {
	Do(ctx context.Context, fn func(store *records.Store) error) error
}

// StoreTarget guards a bare store with a mutex.
type StoreTarget struct {
	mu    sync.Mutex
	store *records.Store
}

func NewStoreTarget(store *records.Store) *StoreTarget {
	return &StoreTarget{store: store}
}

func (t *StoreTarget) Do(ctx context.Context, fn func(store *records.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(t.store)
}
