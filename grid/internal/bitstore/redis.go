// CLAUDE:SUMMARY Redis bit store: native SETBIT/GETRANGE bitmap, counter kept in step by a Lua flip script.
package bitstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hazyhaar/cellgrid/grid/internal/bits"
)

// flipScript sets one bit and adjusts the counter atomically.
// KEYS[1]=bitmap KEYS[2]=counter ARGV[1]=offset ARGV[2]=0|1. Returns the old bit.
var flipScript = redis.NewScript(`
local old = redis.call('SETBIT', KEYS[1], ARGV[1], ARGV[2])
local delta = tonumber(ARGV[2]) - old
if delta ~= 0 then
  redis.call('INCRBY', KEYS[2], delta)
end
return old
`)

// Redis stores a grid as a native Redis bitmap.
type Redis struct {
	rdb      *redis.Client
	bitsKey  string
	countKey string
	sizeKey  string
	size     int
	owned    bool
}

// OpenRedis connects with opts, retrying until connectTimeout, and
// provisions grid name with size cells under keyPrefix.
func OpenRedis(ctx context.Context, opts *redis.Options, keyPrefix, name string, size int, connectTimeout time.Duration) (*Redis, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	rdb := redis.NewClient(opts)
	err := connectRetry(ctx, connectTimeout, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		rdb.Close()
		return nil, fmt.Errorf("bitstore: redis connect %s: %w", opts.Addr, err)
	}
	s, err := NewRedis(ctx, rdb, keyPrefix, name, size)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewRedis provisions grid name on an existing client. The caller keeps
// ownership of rdb.
func NewRedis(ctx context.Context, rdb *redis.Client, keyPrefix, name string, size int) (*Redis, error) {
	if keyPrefix == "" {
		keyPrefix = "cellgrid"
	}
	base := keyPrefix + ":" + name
	s := &Redis{
		rdb:      rdb,
		bitsKey:  base + ":bits",
		countKey: base + ":count",
		sizeKey:  base + ":size",
		size:     size,
	}
	if err := s.provision(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Redis) provision(ctx context.Context) error {
	existing, err := s.rdb.Get(ctx, s.sizeKey).Int()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("bitstore: redis read size: %w", err)
	case existing > s.size:
		return fmt.Errorf("%w: %q has %d cells, requested %d", ErrShrink, s.bitsKey, existing, s.size)
	}
	if err := s.rdb.Set(ctx, s.sizeKey, s.size, 0).Err(); err != nil {
		return fmt.Errorf("bitstore: redis write size: %w", err)
	}

	// A bitmap written by another tool may predate the counter.
	n, err := s.rdb.BitCount(ctx, s.bitsKey, nil).Result()
	if err != nil {
		return fmt.Errorf("bitstore: redis bitcount: %w", err)
	}
	if err := s.rdb.SetNX(ctx, s.countKey, n, 0).Err(); err != nil {
		return fmt.Errorf("bitstore: redis init count: %w", err)
	}
	return nil
}

func (s *Redis) Size() int { return s.size }

func (s *Redis) GetBit(ctx context.Context, i int) (bool, error) {
	if err := checkIndex(s.size, i); err != nil {
		return false, err
	}
	v, err := s.rdb.GetBit(ctx, s.bitsKey, int64(i)).Result()
	if err != nil {
		return false, fmt.Errorf("bitstore: redis getbit: %w", err)
	}
	return v == 1, nil
}

func (s *Redis) GetRange(ctx context.Context, start, end int) ([]bool, error) {
	if err := checkRange(s.size, start, end); err != nil {
		return nil, err
	}
	if start == end {
		return []bool{}, nil
	}
	firstByte := start / 8
	raw, err := s.rdb.GetRange(ctx, s.bitsKey, int64(firstByte), int64((end-1)/8)).Bytes()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bitstore: redis getrange: %w", err)
	}
	// GETRANGE stops at the end of the string; missing bytes are zero.
	base := firstByte * 8
	return bits.Unpack(raw, start-base, end-base), nil
}

func (s *Redis) SetBit(ctx context.Context, i int, v bool) error {
	if err := checkIndex(s.size, i); err != nil {
		return err
	}
	arg := 0
	if v {
		arg = 1
	}
	if err := flipScript.Run(ctx, s.rdb, []string{s.bitsKey, s.countKey}, i, arg).Err(); err != nil {
		return fmt.Errorf("bitstore: redis setbit: %w", err)
	}
	return nil
}

func (s *Redis) CountSet(ctx context.Context) (int, error) {
	n, err := s.rdb.Get(ctx, s.countKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bitstore: redis count: %w", err)
	}
	return n, nil
}

// Close closes the client if this store opened it.
func (s *Redis) Close() error {
	if !s.owned {
		return nil
	}
	return s.rdb.Close()
}
