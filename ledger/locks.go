package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// keyedLocks hands out one exclusive lock per key. A key's slot lives only
// while someone holds or waits for it.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch chan struct{}
	// refs counts the holder and every waiter. Guarded by keyedLocks.mu.
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]*lockSlot)}
}

func (k *keyedLocks) ref(key string) *lockSlot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s, ok := k.slots[key]
	if !ok {
		s = &lockSlot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *keyedLocks) unref(key string, s *lockSlot) {
	k.mu.Lock()
	defer k.mu.Unlock()

	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
}

// acquire waits for key until ctx is done or timeout passes. A timeout of zero
// waits on ctx alone.
func (k *keyedLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	s := k.ref(key)

	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-expired:
		k.unref(key, s)
		return fmt.Errorf("%w: waited %s for %s", ErrBusy, timeout, key)
	case <-ctx.Done():
		k.unref(key, s)
		return ctx.Err()
	}
}

// release must only be called by the holder of key.
func (k *keyedLocks) release(key string) {
	k.mu.Lock()
	s := k.slots[key]
	k.mu.Unlock()

	<-s.ch
	k.unref(key, s)
}

// size is the number of keys currently held or waited on.
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}
