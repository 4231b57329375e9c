// CLAUDE:SUMMARY Write-through cell cache over a bitstore — batch range fills, bounded LRU, per-cell generation guard against stale fills.
// Package hotcache keeps recently read cells in memory in front of the
// durable bit store.
//
// Present entries always equal the store as of the last sync. Absent entries
// are fetched from the store in contiguous spans, never one cell at a time,
// and there is no negative caching.
package hotcache

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// SpanGap is the largest run of already-cached cells that a single batch
// fetch will read through rather than split into two fetches.
const SpanGap = 4096

// Fetcher reads cells [start, end) from the system of record.
type Fetcher func(ctx context.Context, start, end int) ([]bool, error)

// Cache is safe for concurrent use.
type Cache struct {
	fetch Fetcher

	mu  sync.Mutex
	lru *simplelru.LRU[int, bool]
	gen uint64 // bumped by every Put and Invalidate

	// written holds the generation of each write made while a fill is in
	// flight. Emptied when the last fill finishes.
	fills   int
	written map[int]uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns an empty cache that holds at most capacity cells.
func New(fetch Fetcher, capacity int) (*Cache, error) {
	lru, err := simplelru.NewLRU[int, bool](capacity, nil)
	if err != nil {
		return nil, fmt.Errorf("hotcache: %w", err)
	}
	return &Cache{fetch: fetch, lru: lru, written: make(map[int]uint64)}, nil
}

// Get returns one cell, fetching it if absent.
func (c *Cache) Get(ctx context.Context, i int) (bool, error) {
	v, err := c.Values(ctx, []int{i})
	if err != nil {
		return false, err
	}
	return v[0], nil
}

// GetRange returns cells [start, end) in order.
func (c *Cache) GetRange(ctx context.Context, start, end int) ([]bool, error) {
	if end <= start {
		return []bool{}, nil
	}
	idx := make([]int, end-start)
	for k := range idx {
		idx[k] = start + k
	}
	return c.Values(ctx, idx)
}

// Values returns the cells at indices, in the order given. Duplicates are
// allowed.
func (c *Cache) Values(ctx context.Context, indices []int) ([]bool, error) {
	out := make([]bool, len(indices))
	var missing []int

	c.mu.Lock()
	gen := c.gen
	for k, i := range indices {
		if v, ok := c.lru.Get(i); ok {
			out[k] = v
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) > 0 {
		c.fills++
	}
	c.mu.Unlock()

	c.hits.Add(uint64(len(indices) - len(missing)))
	if len(missing) == 0 {
		return out, nil
	}
	c.misses.Add(uint64(len(missing)))

	slices.Sort(missing)
	missing = slices.Compact(missing)

	fetched := make(map[int]bool, len(missing))
	for _, sp := range spans(missing, SpanGap) {
		vals, err := c.fetch(ctx, sp.start, sp.end)
		if err != nil {
			c.endFill(nil, gen)
			return nil, fmt.Errorf("hotcache: fetch [%d,%d): %w", sp.start, sp.end, err)
		}
		for _, i := range missing[sp.first:sp.last] {
			fetched[i] = vals[i-sp.start]
		}
	}
	c.endFill(fetched, gen)

	for k, i := range indices {
		if v, ok := fetched[i]; ok {
			out[k] = v
		}
	}
	return out, nil
}

// endFill inserts fetched values read at generation gen, skipping cells
// written since then.
func (c *Cache) endFill(fetched map[int]bool, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, v := range fetched {
		if w, ok := c.written[i]; ok && w > gen {
			continue
		}
		c.lru.Add(i, v)
	}
	c.fills--
	if c.fills == 0 {
		clear(c.written)
	}
}

// Put records a value that has just been written to the store.
func (c *Cache) Put(i int, v bool) {
	c.mu.Lock()
	c.noteWrite(i)
	c.lru.Add(i, v)
	c.mu.Unlock()
}

// Invalidate drops i so the next read goes to the store.
func (c *Cache) Invalidate(i int) {
	c.mu.Lock()
	c.noteWrite(i)
	c.lru.Remove(i)
	c.mu.Unlock()
}

// noteWrite must be called with c.mu held.
func (c *Cache) noteWrite(i int) {
	c.gen++
	if c.fills > 0 {
		c.written[i] = c.gen
	}
}

// Peek reports the cached value of i without fetching or touching recency.
func (c *Cache) Peek(i int) (v, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(i)
}

// Len returns the number of cached cells.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Hits returns the number of cell lookups served from memory.
func (c *Cache) Hits() uint64 { return c.hits.Load() }

// Misses returns the number of cell lookups that went to the store.
func (c *Cache) Misses() uint64 { return c.misses.Load() }

type span struct {
	start, end  int // cell range [start, end)
	first, last int // slice of the sorted missing indices covered
}

// spans groups sorted, distinct indices into fetch ranges, merging
// neighbours separated by at most gap cells.
func spans(sorted []int, gap int) []span {
	var out []span
	cur := span{start: sorted[0], end: sorted[0] + 1, first: 0, last: 1}
	for k := 1; k < len(sorted); k++ {
		i := sorted[k]
		if i-cur.end <= gap {
			cur.end = i + 1
			cur.last = k + 1
			continue
		}
		out = append(out, cur)
		cur = span{start: i, end: i + 1, first: k, last: k + 1}
	}
	return append(out, cur)
}
