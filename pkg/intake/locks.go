package intake

import (
	"context"
	"sync"
)

// caseLocks serializes turns per conversation. Entries are dropped once no
// caller holds or waits for them.
type caseLocks struct {
	mu    sync.Mutex
	locks map[string]*caseLock
}

type caseLock struct {
	ch   chan struct{}
	refs int
}

func newCaseLocks() *caseLocks {
	return &caseLocks{locks: make(map[string]*caseLock)}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases it.
func (l *caseLocks) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &caseLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.ch
			l.unref(key, lk)
		})
	}, nil
}

func (l *caseLocks) unref(key string, lk *caseLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *caseLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// cancelFlags records cancel requests to honor at the next turn boundary.
type cancelFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func newCancelFlags() *cancelFlags {
	return &cancelFlags{flags: make(map[string]bool)}
}

func (f *cancelFlags) set(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flags[key] = true
}

// take reports whether key was flagged and clears the flag.
func (f *cancelFlags) take(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.flags[key]
	delete(f.flags, key)
	return v
}
