// Package cache deduplicates and memoizes expensive computations.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// Group collapses concurrent calls with the same key into a single
// execution. Later callers block and receive the first call's result.
type Group struct {
	mu    sync.Mutex
	calls map[string]*call
}

type call struct {
	wg  sync.WaitGroup
	val interface{}
	err error
}

func NewGroup() *Group {
	return &Group{calls: make(map[string]*call)}
}

// Do runs fn for key, unless an identical call is already in flight,
// in which case it waits for that call instead. The shared return
// reports whether the result came from another caller's execution.
func (g *Group) Do(key string, fn func() (interface{}, error)) (val interface{}, err error, shared bool) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := &call{}
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()
	c.wg.Done()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()

	return c.val, c.err, false
}

// Fingerprint derives a stable cache key from a request payload.
// Struct field order makes the JSON encoding deterministic.
func Fingerprint(prefix string, v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return prefix + ":unhashable"
	}
	sum := sha256.Sum256(raw)
	return prefix + ":" + hex.EncodeToString(sum[:16])
}

// ResultStore is a bounded in-memory store of finished computation
// results keyed by ID. When full, the oldest entry is evicted.
type ResultStore struct {
	mu      sync.RWMutex
	maxSize int
	order   []string
	entries map[string]interface{}
}

func NewResultStore(maxSize int) *ResultStore {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ResultStore{
		maxSize: maxSize,
		entries: make(map[string]interface{}),
	}
}

func (s *ResultStore) Put(id string, result interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[id]; !exists {
		s.order = append(s.order, id)
		if len(s.order) > s.maxSize {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.entries, oldest)
		}
	}
	s.entries[id] = result
}

func (s *ResultStore) Get(id string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.entries[id]
	return result, ok
}

func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
