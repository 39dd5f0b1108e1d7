package eventlog

import (
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Category groups keys by the kind of owner that created them, so that two
// owners can use the same name without sharing a log.
type Category string

// Key identifies a log within a Registry.
type Key struct {
	Category Category `json:"category"`
	Name     string   `json:"name"`
}

func (k Key) String() string {
	return string(k.Category) + "/" + k.Name
}

// flightKey is unambiguous because categories never contain a NUL byte.
func (k Key) flightKey() string {
	return string(k.Category) + "\x00" + k.Name
}

// Factory builds the log for a key on first use.
type Factory[E any] func(Key) *Log[E]

// Registry maps keys to logs. Creation is serialized per key so concurrent
// first-time callers converge on one instance; distinct keys never wait on
// each other's factories.
type Registry[E any] struct {
	mu    sync.RWMutex
	logs  map[Key]*Log[E]
	group singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{
		logs: make(map[Key]*Log[E]),
	}
}

// GetOrCreate returns the log for key, invoking factory only if no log exists.
// A nil factory defaults to New.
func (r *Registry[E]) GetOrCreate(key Key, factory Factory[E]) *Log[E] {
	if l, ok := r.Get(key); ok {
		return l
	}
	if factory == nil {
		factory = New[E]
	}

	v, _, _ := r.group.Do(key.flightKey(), func() (any, error) {
		if l, ok := r.Get(key); ok {
			return l, nil
		}
		l := factory(key)
		r.mu.Lock()
		r.logs[key] = l
		r.mu.Unlock()
		return l, nil
	})
	return v.(*Log[E])
}

// Get returns the log for key without creating one.
func (r *Registry[E]) Get(key Key) (*Log[E], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.logs[key]
	return l, ok
}

// Remove detaches and returns the log for key. It does not close the log.
// Removing an unknown key returns false.
func (r *Registry[E]) Remove(key Key) (*Log[E], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.logs[key]
	if ok {
		delete(r.logs, key)
	}
	return l, ok
}

// RemoveIf removes key only while it still maps to l. It reports whether the
// entry was removed.
func (r *Registry[E]) RemoveIf(key Key, l *Log[E]) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.logs[key]; ok && cur == l {
		delete(r.logs, key)
		return true
	}
	return false
}

// Len returns the number of registered logs.
func (r *Registry[E]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.logs)
}

// Keys returns the registered keys sorted by category then name.
func (r *Registry[E]) Keys() []Key {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.logs))
	for k := range r.logs {
		keys = append(keys, k)
	}
	r.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Category != keys[j].Category {
			return keys[i].Category < keys[j].Category
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// Snapshot returns stats for every registered log, ordered like Keys.
func (r *Registry[E]) Snapshot() []Stats {
	keys := r.Keys()
	out := make([]Stats, 0, len(keys))
	for _, k := range keys {
		if l, ok := r.Get(k); ok {
			out = append(out, l.Stats())
		}
	}
	return out
}
