// Package memory provides an in-process already-seen filter.
package memory

import (
	"context"
	"sort"
	"sync"
)

// Filter is a concurrency-safe set of canonical keys.
type Filter struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// New returns an empty Filter.
func New() *Filter {
	return &Filter{keys: make(map[string]struct{})}
}

// Add records key and reports whether it was new.
func (f *Filter) Add(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false, nil
	}
	f.keys[key] = struct{}{}
	return true, nil
}

// Contains reports whether key has been added.
func (f *Filter) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.keys[key]
	return ok
}

// Len returns the number of keys held.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.keys)
}

// Keys returns all keys in sorted order.
func (f *Filter) Keys() []string {
	f.mu.RLock()
	out := make([]string, 0, len(f.keys))
	for key := range f.keys {
		out = append(out, key)
	}
	f.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Load adds keys, typically from a checkpoint.
func (f *Filter) Load(keys []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		f.keys[key] = struct{}{}
	}
}
