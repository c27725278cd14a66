package sync

import (
	stdsync "sync"

	"github.com/sitesafe/fieldsync/internal/models"
)

// recordLocks serializes read-modify-write cycles on single records. The
// service holds a record's lock across get, merge, put and enqueue; the
// engine holds it while moving the record to its server id.
type recordLocks struct {
	mu    stdsync.Mutex
	locks map[string]*recordLock
}

type recordLock struct {
	mu   stdsync.Mutex
	refs int
}

func newRecordLocks() *recordLocks {
	return &recordLocks{locks: make(map[string]*recordLock)}
}

// lock blocks until entity/id is free and returns the matching unlock.
func (l *recordLocks) lock(entity models.EntityType, id string) func() {
	key := string(entity) + "/" + id

	l.mu.Lock()
	rl, ok := l.locks[key]
	if !ok {
		rl = &recordLock{}
		l.locks[key] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *recordLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
