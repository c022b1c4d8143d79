// Package runlock serializes work on a single run. A KeyedMutex guards a run
// within one process; a RedisLocker extends the guarantee across workers.
package runlock

import (
	"context"
	"sync"

	"github.com/rendis/bankflow/pkg/schema"
)

// Release gives a held lock back. Calling it more than once is a no-op.
type Release func()

// Locker acquires exclusive access to a key, blocking until the lock is
// free or ctx is done.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

func lockTimeout(key string, err error) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "run %q is locked by another worker", key).WithCause(err)
}

// KeyedMutex is an in-process Locker with one mutex per key. Entries are
// reference counted and dropped once nobody holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyEntry)}
}

func (k *KeyedMutex) Acquire(ctx context.Context, key string) (Release, error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, lockTimeout(key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, nil
}

func (k *KeyedMutex) unref(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Chain acquires every locker in order and releases them in reverse.
type Chain []Locker

func (c Chain) Acquire(ctx context.Context, key string) (Release, error) {
	releases := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, l := range c {
		r, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}
