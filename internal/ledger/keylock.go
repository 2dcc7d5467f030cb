package ledger

import (
	"slices"
	"sync"
)

// KeyLock serializes writers per key inside one process. Keys are acquired
// in sorted order so overlapping key sets cannot deadlock. Cross-process
// safety comes from the stores' conditional appends.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock blocks until every key is held and returns the matching unlock.
func (l *KeyLock) Lock(keys ...string) func() {
	keys = slices.DeleteFunc(slices.Clone(keys), func(key string) bool { return key == "" })
	slices.Sort(keys)
	keys = slices.Compact(keys)

	entries := make([]*keyEntry, 0, len(keys))
	for _, key := range keys {
		entry := l.acquire(key)
		entry.mu.Lock()
		entries = append(entries, entry)
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].mu.Unlock()
		}
		l.mu.Lock()
		for i, key := range keys {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(l.locks, key)
			}
		}
		l.mu.Unlock()
	}
}

func (l *KeyLock) acquire(key string) *keyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		entry = &keyEntry{}
		l.locks[key] = entry
	}
	entry.refs++
	return entry
}

func ProductKey(productID string) string   { return "product:" + productID }
func RegisterKey(registerID string) string { return "register:" + registerID }
func CustomerKey(customerID string) string { return "customer:" + customerID }
