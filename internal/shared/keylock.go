package shared

import (
	"hash/maphash"
	"sort"
	"sync"
)

// KeyLocks serializes work per string key using a fixed set of striped mutexes.
// Unrelated keys rarely contend and no per-key bookkeeping has to be reclaimed.
type KeyLocks struct {
	seed    maphash.Seed
	stripes []sync.Mutex
}

// NewKeyLocks creates a lock set with n stripes (64 if n <= 0).
func NewKeyLocks(n int) *KeyLocks {
	if n <= 0 {
		n = 64
	}
	return &KeyLocks{
		seed:    maphash.MakeSeed(),
		stripes: make([]sync.Mutex, n),
	}
}

func (l *KeyLocks) stripe(key string) int {
	return int(maphash.String(l.seed, key) % uint64(len(l.stripes)))
}

// Lock acquires the lock for key and returns its release function.
func (l *KeyLocks) Lock(key string) (unlock func()) {
	mu := &l.stripes[l.stripe(key)]
	mu.Lock()
	return mu.Unlock
}

// LockAll acquires the locks for every key in a deadlock-free order.
// Keys that share a stripe are locked once.
func (l *KeyLocks) LockAll(keys ...string) (unlock func()) {
	idx := make([]int, 0, len(keys))
	seen := make(map[int]bool, len(keys))
	for _, k := range keys {
		s := l.stripe(k)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)
	for _, s := range idx {
		l.stripes[s].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}
