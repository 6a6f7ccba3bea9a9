package tracker

import (
	"sync"

	"github.com/google/uuid"
)

// taskLocks serializes read-modify-write per task. Entries are refcounted and
// dropped once nobody holds or waits on them.
type taskLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*taskLock
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{m: make(map[uuid.UUID]*taskLock)}
}

// Lock blocks until id is free and returns the unlock func.
func (l *taskLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	e := l.m[id]
	if e == nil {
		e = &taskLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

func (l *taskLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
