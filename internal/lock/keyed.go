// Package lock provides per-key mutual exclusion for ledger mutations.
package lock

import (
	"sort"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Keyed hands out one mutex per key. Entries are dropped once no caller
// holds or waits on them, so the map only grows with live contention.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[string]*entry)}
}

// Lock acquires every key in sorted order and returns the release func.
// Duplicate and empty keys are ignored.
func (k *Keyed) Lock(keys ...string) (unlock func()) {
	ordered := normalize(keys)
	held := make([]*entry, 0, len(ordered))
	for _, key := range ordered {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(held) - 1; i >= 0; i-- {
				held[i].mu.Unlock()
				k.release(ordered[i])
			}
		})
	}
}

func (k *Keyed) acquire(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func normalize(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Key helpers keep the namespaces of different entity ids apart.

func WalletKey(wallet string) string { return "wallet:" + wallet }
func ChannelKey(channelID string) string { return "channel:" + channelID }
func SessionKey(sessionID string) string { return "session:" + sessionID }
