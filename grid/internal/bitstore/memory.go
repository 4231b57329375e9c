package bitstore

import (
	"context"
	"sync"

	"github.com/hazyhaar/cellgrid/grid/internal/bits"
)

// Memory is a process-local Store. It survives nothing; use it for tests
// and throwaway demos.
type Memory struct {
	mu     sync.RWMutex
	buf    []byte
	size   int
	count  int
	closed bool
}

// NewMemory returns an all-false store of size cells.
func NewMemory(size int) *Memory {
	return &Memory{buf: make([]byte, bits.Bytes(size)), size: size}
}

func (m *Memory) Size() int { return m.size }

func (m *Memory) GetBit(_ context.Context, i int) (bool, error) {
	if err := checkIndex(m.size, i); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	return bits.Get(m.buf, i), nil
}

func (m *Memory) GetRange(_ context.Context, start, end int) ([]bool, error) {
	if err := checkRange(m.size, start, end); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return bits.Unpack(m.buf, start, end), nil
}

func (m *Memory) SetBit(_ context.Context, i int, v bool) error {
	if err := checkIndex(m.size, i); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	old := bits.Set(m.buf, i, v)
	switch {
	case old == v:
	case v:
		m.count++
	default:
		m.count--
	}
	return nil
}

func (m *Memory) CountSet(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.count, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
