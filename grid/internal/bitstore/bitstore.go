// CLAUDE:SUMMARY Durable bit store contract, sentinel errors, and the driver factory selecting memory/sqlite/bolt/redis/postgres.
// Package bitstore is the durable, bit-indexed system of record for a grid.
//
// Every backend keeps a set-bit counter that is updated in the same atomic
// write as the bit flip, so CountSet never has to scan and never drifts.
package bitstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrOutOfRange is returned for an index or range outside [0, Size()).
	ErrOutOfRange = errors.New("bitstore: index out of range")
	// ErrShrink is returned when a grid is re-provisioned with fewer cells.
	ErrShrink = errors.New("bitstore: cannot shrink an existing grid")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("bitstore: store closed")
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = errors.New("bitstore: unknown driver")
)

// Store is a packed bit array of fixed size.
type Store interface {
	// Size returns the number of cells.
	Size() int
	// GetBit returns the value of cell i.
	GetBit(ctx context.Context, i int) (bool, error)
	// GetRange returns cells [start, end) in one round trip.
	GetRange(ctx context.Context, start, end int) ([]bool, error)
	// SetBit writes cell i. Writing the current value is a no-op.
	SetBit(ctx context.Context, i int, v bool) error
	// CountSet returns the number of true cells.
	CountSet(ctx context.Context) (int, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver         string        // memory, sqlite, bolt, redis, postgres
	Path           string        // sqlite, bolt
	Addr           string        // redis
	Password       string        // redis
	DB             int           // redis
	KeyPrefix      string        // redis
	DSN            string        // postgres
	ConnectTimeout time.Duration // redis, postgres
}

// Open opens the configured backend and provisions grid name with size cells.
func Open(ctx context.Context, cfg Config, name string, size int) (Store, error) {
	if size <= 0 {
		return nil, fmt.Errorf("bitstore: size must be positive, got %d", size)
	}
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(size), nil
	case "sqlite":
		return OpenSQLite(ctx, cfg.Path, name, size)
	case "bolt":
		return OpenBolt(cfg.Path, name, size)
	case "redis":
		return OpenRedis(ctx, &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, cfg.KeyPrefix, name, size, cfg.ConnectTimeout)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, name, size, cfg.ConnectTimeout)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func checkIndex(size, i int) error {
	if i < 0 || i >= size {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrOutOfRange, i, size)
	}
	return nil
}

func checkRange(size, start, end int) error {
	if start < 0 || end > size || start > end {
		return fmt.Errorf("%w: [%d,%d) not in [0,%d)", ErrOutOfRange, start, end, size)
	}
	return nil
}

// connectRetry pings a networked backend with exponential backoff until it
// answers or timeout elapses.
func connectRetry(ctx context.Context, timeout time.Duration, ping func() error) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = timeout
	return backoff.Retry(ping, backoff.WithContext(b, ctx))
}
