package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/creditledger/internal/domain"
)

// lockTable hands out exclusive named locks with a bounded wait. An entry
// lives only while some transaction holds or waits for it.
type lockTable struct {
	mu   sync.Mutex
	rows map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{rows: make(map[string]*lockEntry)}
}

// ref returns the entry for key and counts the caller as a user of it.
func (l *lockTable) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.rows[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.rows[key] = e
	}
	e.refs++
	return e
}

func (l *lockTable) unref(key string, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.rows, key)
	}
}

func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	e := l.ref(key)
	select {
	case e.ch <- struct{}{}:
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
	case e.ch <- struct{}{}:
		return nil
	case <-expired:
		l.unref(key, e)
		return fmt.Errorf("%w: %s after %s", domain.ErrLockTimeout, key, timeout)
	case <-ctx.Done():
		l.unref(key, e)
		return fmt.Errorf("%w: %s: %w", domain.ErrLockTimeout, key, ctx.Err())
	}
}

func (l *lockTable) release(key string) {
	l.mu.Lock()
	e, ok := l.rows[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	<-e.ch
	l.unref(key, e)
}

// size reports how many keys currently have holders or waiters.
func (l *lockTable) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}
