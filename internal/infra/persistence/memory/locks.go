package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"transitreg/pkg/domain"
)

// lockSet hands out exclusive named locks. Keys are always taken in sorted
// order so two overlapping sets cannot deadlock.
type lockSet struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newLockSet() *lockSet {
	return &lockSet{held: make(map[string]chan struct{})}
}

// acquire blocks until every key is held or ctx (bounded by timeout when
// positive) expires, in which case domain.ErrLockTimeout is returned and no
// key remains held.
func (l *lockSet) acquire(ctx context.Context, keys []string, timeout time.Duration) (func(), error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	taken := make([]string, 0, len(sorted))
	for _, key := range sorted {
		if err := l.lock(ctx, key); err != nil {
			l.release(taken)
			return nil, err
		}
		taken = append(taken, key)
	}
	return func() { l.release(taken) }, nil
}

func (l *lockSet) lock(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		wait, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", domain.ErrLockTimeout, key, ctx.Err())
		}
	}
}

func (l *lockSet) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, key := range keys {
		if ch, ok := l.held[key]; ok {
			close(ch)
			delete(l.held, key)
		}
	}
}
