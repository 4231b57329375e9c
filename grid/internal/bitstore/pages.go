package bitstore

import "github.com/hazyhaar/cellgrid/grid/internal/bits"

// PageBytes is the unit of storage for the page-based backends (sqlite,
// bolt, postgres). Absent pages read as all-false.
const PageBytes = 4096

const pageBits = PageBytes * 8

func pageOf(i int) int { return i / pageBits }

// pageSpan returns the first and last page touched by [start, end).
func pageSpan(start, end int) (first, last int) {
	return pageOf(start), pageOf(end - 1)
}

// assemble expands cells [start, end) from a set of loaded pages.
func assemble(pages map[int][]byte, start, end int) []bool {
	out := make([]bool, end-start)
	for i := start; i < end; i++ {
		p := pages[pageOf(i)]
		if p != nil && bits.Get(p, i%pageBits) {
			out[i-start] = true
		}
	}
	return out
}

// flip applies v to cell i inside page (allocating a zero page when nil)
// and returns the page plus the counter delta (-1, 0 or +1).
func flip(page []byte, i int, v bool) ([]byte, int) {
	buf := make([]byte, PageBytes)
	copy(buf, page)
	old := bits.Set(buf, i%pageBits, v)
	switch {
	case old == v:
		return buf, 0
	case v:
		return buf, 1
	default:
		return buf, -1
	}
}
