package trade

import (
	"sync"

	"github.com/atmx/pnl-engine/internal/model"
)

// keyLocker hands out one mutex per position key. Entries are reference
// counted and dropped once nobody holds or waits on them.
type keyLocker struct {
	mu    sync.Mutex
	locks map[model.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyLocker() *keyLocker {
	return &keyLocker{locks: make(map[model.Key]*keyLock)}
}

// Lock blocks until key is free and returns the matching unlock.
func (l *keyLocker) Lock(key model.Key) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
