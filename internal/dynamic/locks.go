package dynamic

import (
	"sort"
	"sync"
)

// resourceLocks provides mutual exclusion per resource key. Different keys
// proceed concurrently; tasks sharing a key run one at a time.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *resourceLocks) lock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	r.mu.Unlock()

	l.Lock()
}

func (r *resourceLocks) unlock(key string) {
	r.mu.Lock()
	l, ok := r.locks[key]
	r.mu.Unlock()

	if ok {
		l.Unlock()
	}
}

// lockAll acquires every key in sorted order so overlapping sets never
// deadlock. Duplicates are ignored.
func (r *resourceLocks) lockAll(keys []string) []string {
	sorted := sortedUnique(keys)
	for _, key := range sorted {
		r.lock(key)
	}
	return sorted
}

// unlockAll releases keys returned by lockAll in reverse order.
func (r *resourceLocks) unlockAll(sorted []string) {
	for i := len(sorted) - 1; i >= 0; i-- {
		r.unlock(sorted[i])
	}
}

func sortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	copy(out, keys)
	sort.Strings(out)

	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}
