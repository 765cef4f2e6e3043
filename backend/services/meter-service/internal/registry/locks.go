package registry

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// recordLocks hands out one writer lock per meter id. An entry lives only while a
// caller holds or waits for it.
type recordLocks struct {
	mu    sync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// acquire blocks until the lock for id is held or ctx is done. The returned func
// releases it.
func (l *recordLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &recordLock{sem: semaphore.NewWeighted(1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	if err := lk.sem.Acquire(ctx, 1); err != nil {
		l.put(id, lk)
		return nil, err
	}
	return func() {
		lk.sem.Release(1)
		l.put(id, lk)
	}, nil
}

func (l *recordLocks) put(id string, lk *recordLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
