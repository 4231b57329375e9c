package grid

import (
	"errors"
	"fmt"

	"github.com/hazyhaar/cellgrid/grid/internal/bitstore"
)

var (
	// ErrUnavailable means the durable store could not be reached. Nothing
	// was changed and the caller may retry.
	ErrUnavailable = errors.New("grid: store unavailable")
	// ErrOutOfRange is returned for an index or offset outside [0, N).
	ErrOutOfRange = errors.New("grid: index out of range")
)

// unavailable wraps a store failure. Range errors from the store keep
// their own identity.
func unavailable(op string, err error) error {
	if errors.Is(err, bitstore.ErrOutOfRange) {
		return fmt.Errorf("grid: %s: %w: %w", op, ErrOutOfRange, err)
	}
	return fmt.Errorf("grid: %s: %w: %w", op, ErrUnavailable, err)
}

func outOfRange(what string, v, size int) error {
	return fmt.Errorf("%w: %s %d not in [0,%d)", ErrOutOfRange, what, v, size)
}
