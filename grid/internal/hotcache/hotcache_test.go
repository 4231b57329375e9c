package hotcache

import (
	"context"
	"errors"
	"sync"
	"testing"
)

// fakeStore records every fetch so tests can assert batching.
type fakeStore struct {
	mu     sync.Mutex
	cells  []bool
	calls  [][2]int
	err    error
	before func() // runs inside fetch, after the values are read
}

func (f *fakeStore) fetch(_ context.Context, start, end int) ([]bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]int{start, end})
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	out := append([]bool(nil), f.cells[start:end]...)
	hook := f.before
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return out, nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newCache(t *testing.T, f *fakeStore, capacity int) *Cache {
	t.Helper()
	c, err := New(f.fetch, capacity)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestGetRangeFetchesOnceAndCaches(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 100)}
	f.cells[5] = true
	f.cells[42] = true
	c := newCache(t, f, 100)
	ctx := context.Background()

	got, err := c.GetRange(ctx, 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 || !got[5] || !got[42] || got[6] {
		t.Fatalf("unexpected values: %v", got)
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("fetches: got %d, want 1", n)
	}
	if c.Len() != 50 {
		t.Fatalf("Len: got %d, want 50", c.Len())
	}

	// Second read is served from memory.
	if _, err := c.GetRange(ctx, 0, 50); err != nil {
		t.Fatal(err)
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("fetches after warm read: got %d, want 1", n)
	}
	if c.Hits() != 50 || c.Misses() != 50 {
		t.Fatalf("hits/misses: got %d/%d, want 50/50", c.Hits(), c.Misses())
	}
}

func TestGetRangeOnlyFetchesMissing(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 20000)}
	c := newCache(t, f, 20000)
	ctx := context.Background()

	c.GetRange(ctx, 0, 10)
	c.GetRange(ctx, 15000, 15010)
	f.calls = nil

	if _, err := c.GetRange(ctx, 0, 15010); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || f.calls[0] != [2]int{10, 15000} {
		t.Fatalf("fetch calls: got %v, want [[10 15000]]", f.calls)
	}
}

func TestValuesPreservesRequestOrder(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 20000)}
	f.cells[19999] = true
	f.cells[3] = true
	c := newCache(t, f, 20000)

	got, err := c.Values(context.Background(), []int{19999, 4, 3, 19999})
	if err != nil {
		t.Fatal(err)
	}
	want := []bool{true, false, true, true}
	for k := range want {
		if got[k] != want[k] {
			t.Fatalf("value %d: got %v, want %v", k, got[k], want[k])
		}
	}
	// 3,4 and 19999 are too far apart for one span.
	if n := f.callCount(); n != 2 {
		t.Fatalf("fetches: got %d, want 2", n)
	}
}

func TestPutAndInvalidate(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 10)}
	c := newCache(t, f, 10)
	ctx := context.Background()

	c.Put(3, true)
	if v, ok := c.Peek(3); !ok || !v {
		t.Fatalf("Peek(3): got %v,%v, want true,true", v, ok)
	}
	if v, _ := c.Get(ctx, 3); !v {
		t.Fatal("Get(3) should come from the cache")
	}
	if n := f.callCount(); n != 0 {
		t.Fatalf("fetches: got %d, want 0", n)
	}

	c.Invalidate(3)
	if _, ok := c.Peek(3); ok {
		t.Fatal("Peek(3) after Invalidate: still present")
	}
	if v, _ := c.Get(ctx, 3); v {
		t.Fatal("Get(3) after Invalidate: want store value false")
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("fetches: got %d, want 1", n)
	}
}

func TestNoNegativeCaching(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 10), err: errors.New("down")}
	c := newCache(t, f, 10)
	ctx := context.Background()

	if _, err := c.GetRange(ctx, 0, 10); err == nil {
		t.Fatal("expected fetch error")
	}
	if c.Len() != 0 {
		t.Fatalf("Len after failed fetch: got %d, want 0", c.Len())
	}

	f.err = nil
	f.cells[7] = true
	got, err := c.GetRange(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !got[7] {
		t.Fatal("cell 7 should be re-read from the store")
	}
}

func TestFillSkipsCellWrittenDuringFetch(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 10)}
	c := newCache(t, f, 10)

	// A writer lands between the store read and the cache insert.
	f.before = func() {
		f.mu.Lock()
		f.cells[2] = true
		f.mu.Unlock()
		c.Put(2, true)
	}
	got, err := c.GetRange(context.Background(), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got[2] {
		t.Fatal("reader should see the value at fetch time")
	}
	if v, ok := c.Peek(2); !ok || !v {
		t.Fatalf("cache entry 2: got %v,%v, want true,true", v, ok)
	}
	if c.Len() != 10 {
		t.Fatalf("Len: got %d, want 10", c.Len())
	}
}

func TestFillKeepsCellsWrittenElsewhere(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 3000)}
	c := newCache(t, f, 3000)
	ctx := context.Background()

	// A toggle outside the range lands while the range is being read.
	f.before = func() {
		c.Put(2999, true)
	}
	if _, err := c.GetRange(ctx, 0, 2000); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2001 {
		t.Fatalf("Len: got %d, want 2001", c.Len())
	}
	if _, err := c.GetRange(ctx, 0, 2000); err != nil {
		t.Fatal(err)
	}
	if n := f.callCount(); n != 1 {
		t.Fatalf("fetches: got %d, want 1", n)
	}
}

func TestFillSkipsOnlyTheWrittenCell(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 10)}
	c := newCache(t, f, 10)

	f.before = func() {
		c.Invalidate(4)
	}
	if _, err := c.GetRange(context.Background(), 0, 10); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Peek(4); ok {
		t.Fatal("cell 4 was invalidated during the fill and should stay absent")
	}
	if c.Len() != 9 {
		t.Fatalf("Len: got %d, want 9", c.Len())
	}
	if len(c.written) != 0 {
		t.Fatalf("written: got %d entries after the fill, want 0", len(c.written))
	}
}

func TestEviction(t *testing.T) {
	f := &fakeStore{cells: make([]bool, 100)}
	c := newCache(t, f, 10)
	if _, err := c.GetRange(context.Background(), 0, 100); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 10 {
		t.Fatalf("Len: got %d, want 10", c.Len())
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New(nil, 0); err == nil {
		t.Fatal("expected error")
	}
}

func TestSpans(t *testing.T) {
	got := spans([]int{1, 2, 3, 10, 5000, 9000, 20000}, 4096)
	want := []span{
		{start: 1, end: 11, first: 0, last: 4},
		{start: 5000, end: 9001, first: 4, last: 6},
		{start: 20000, end: 20001, first: 6, last: 7},
	}
	if len(got) != len(want) {
		t.Fatalf("spans: got %v, want %v", got, want)
	}
	for k := range want {
		if got[k] != want[k] {
			t.Fatalf("span %d: got %+v, want %+v", k, got[k], want[k])
		}
	}
}
