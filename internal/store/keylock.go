package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// keyLocks is a set of named mutexes that can be abandoned on context
// cancellation. Entries are dropped once nobody holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	token chan struct{}
	refs  int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

func (k *keyLocks) acquire(ctx context.Context, key string) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{token: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		k.mu.Lock()
		k.unref(key, l)
		k.mu.Unlock()
		return ctx.Err()
	}
}

func (k *keyLocks) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		return
	}
	<-l.token
	k.unref(key, l)
}

func (k *keyLocks) unref(key string, l *keyLock) {
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// lockOrder tracks the locks a transaction holds and rejects requests that
// would break the global order: lower class after higher, or a smaller ID
// after a larger one within the same class.
type lockOrder struct {
	held      map[string]bool
	lastClass int
	lastID    string
}

func newLockOrder() lockOrder {
	return lockOrder{held: make(map[string]bool), lastClass: -1}
}

// admit reports whether key is already held, or ErrLockOrder if taking it
// now would be out of order.
func (o *lockOrder) admit(class int, id string) (held bool, err error) {
	key := lockName(class, id)
	if o.held[key] {
		return true, nil
	}
	if class < o.lastClass || (class == o.lastClass && id < o.lastID) {
		return false, fmt.Errorf("lock %s: %w", key, ErrLockOrder)
	}
	return false, nil
}

func (o *lockOrder) record(class int, id string) {
	o.held[lockName(class, id)] = true
	o.lastClass, o.lastID = class, id
}

func lockName(class int, id string) string {
	return fmt.Sprintf("%d:%s", class, id)
}

func sortedUnique(ids []string) []string {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
