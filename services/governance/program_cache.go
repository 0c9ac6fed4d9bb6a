package governance

import (
	"container/list"
	"sync"

	"github.com/google/cel-go/cel"
)

// programEntry is one compiled condition in the LRU list
type programEntry struct {
	expr    string
	program cel.Program
	element *list.Element
}

// ProgramCache is a bounded LRU cache of compiled CEL programs keyed by expression.
// Conditions arrive with requests, so the cache must not grow without bound.
type ProgramCache struct {
	mu      sync.Mutex
	entries map[string]*programEntry
	lruList *list.List
	maxSize int
	hits    uint64
	misses  uint64
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// NewProgramCache creates a cache holding at most maxSize programs
func NewProgramCache(maxSize int) *ProgramCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &ProgramCache{
		entries: make(map[string]*programEntry),
		lruList: list.New(),
		maxSize: maxSize,
	}
}

// Get returns the program compiled for expr, if cached
func (c *ProgramCache) Get(expr string) (cel.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[expr]
	if !ok {
		c.misses++
		return nil, false
	}
	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.program, true
}

// Put stores a compiled program, evicting the least recently used one when full
func (c *ProgramCache) Put(expr string, program cel.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[expr]; ok {
		entry.program = program
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &programEntry{expr: expr, program: program}
	entry.element = c.lruList.PushFront(expr)
	c.entries[expr] = entry
}

// Stats returns cache statistics
func (c *ProgramCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *ProgramCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.lruList.Remove(back)
	delete(c.entries, back.Value.(string))
}
