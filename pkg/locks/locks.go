// Package locks provides per-entity mutual exclusion for the merge engine.
// Keys are always acquired in sorted order so that two writers touching
// overlapping entity sets cannot deadlock.
package locks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

// Release frees every key taken by one Acquire call
type Release func()

type KeyedLocker interface {
	// Acquire blocks until every key is held or ctx is done
	Acquire(ctx context.Context, keys []string) (Release, error)
}

// SortedUnique returns keys sorted with duplicates removed
func SortedUnique(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// MemoryLocker is a keyed mutex for a single process
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: map[string]*slot{}}
}

func (l *MemoryLocker) Acquire(ctx context.Context, keys []string) (Release, error) {
	start := time.Now()
	ordered := SortedUnique(keys)
	held := make([]string, 0, len(ordered))

	for _, key := range ordered {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, ctx.Err()
		}
	}

	metrics.LockWait.Observe(time.Since(start).Seconds())
	var once sync.Once
	return func() { once.Do(func() { l.release(held) }) }, nil
}

func (l *MemoryLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *MemoryLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *MemoryLocker) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(keys[i])
	}
}
