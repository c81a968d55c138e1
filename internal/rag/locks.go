package rag

import (
	"context"
	"sync"
)

// storageLocks serializes runs per vector storage. A run holds its storage's
// lock from preparation until the metadata update is written.
type storageLocks struct {
	mu    sync.Mutex
	locks map[string]*storageLock
}

type storageLock struct {
	sem  chan struct{}
	refs int
}

func newStorageLocks() *storageLocks {
	return &storageLocks{locks: make(map[string]*storageLock)}
}

// acquire blocks until id is free or ctx is done. busy is called once,
// before waiting, when another run holds the lock.
func (l *storageLocks) acquire(ctx context.Context, id string, busy func()) (release func(), err error) {
	l.mu.Lock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &storageLock{sem: make(chan struct{}, 1)}
		l.locks[id] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	default:
		if busy != nil {
			busy()
		}
		select {
		case lk.sem <- struct{}{}:
		case <-ctx.Done():
			l.drop(id, lk)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.drop(id, lk)
		})
	}, nil
}

func (l *storageLocks) drop(id string, lk *storageLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, id)
	}
}
