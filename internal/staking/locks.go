package staking

import "sync"

// keyedMutex serializes operations per user. Entries are dropped when the
// last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uint64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(id uint64) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[uint64]*refLock{}
	}
	l, ok := k.locks[id]
	if !ok {
		l = &refLock{}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
