package governor

import (
	"context"
	"sync"
)

// KeyedLock serializes mutations per key. Unlike the governor's
// deduplication, callers here must NOT share results: two queued
// mutations for the same identity are distinct operations and run one
// after the other.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: map[string]chan struct{}{}}
}

func (l *KeyedLock) sem(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[key] = ch
	}
	return ch
}

// Lock acquires the key's lock, waiting until the holder releases it
// or ctx is cancelled.
func (l *KeyedLock) Lock(ctx context.Context, key string) error {
	select {
	case l.sem(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the key's lock. Must only be called after a
// successful Lock.
func (l *KeyedLock) Unlock(key string) {
	<-l.sem(key)
}
