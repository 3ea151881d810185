package dtw

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"trafficeac/pkg/circuitbreaker"
)

// PairKey identifies one DTW computation. A and B are stored in sorted
// order so (a, b) and (b, a) share an entry.
type PairKey struct {
	Namespace string
	A, B      string
}

func NewPairKey(namespace, a, b string) PairKey {
	if b < a {
		a, b = b, a
	}
	return PairKey{Namespace: namespace, A: a, B: b}
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s:%s|%s", k.Namespace, k.A, k.B)
}

// Cache memoises pairwise distances. Concurrent callers asking for the same
// key must observe a single compute.
type Cache interface {
	GetOrCompute(ctx context.Context, key PairKey, compute func() (float64, error)) (value float64, hit bool, err error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	values sync.Map
	group  singleflight.Group
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) GetOrCompute(_ context.Context, key PairKey, compute func() (float64, error)) (float64, bool, error) {
	if v, ok := c.values.Load(key); ok {
		return v.(float64), true, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		if v, ok := c.values.Load(key); ok {
			return v, nil
		}
		d, err := compute()
		if err != nil {
			return nil, err
		}
		c.values.Store(key, d)
		return d, nil
	})
	if err != nil {
		return 0, false, err
	}
	return v.(float64), false, nil
}

// Len reports the number of stored entries.
func (c *MemoryCache) Len() int {
	n := 0
	c.values.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

const defaultRedisPrefix = "eac:dtw:"

// RedisCache shares distances between processes through Redis. The first
// writer wins via SETNX; losers adopt the stored value.
type RedisCache struct {
	client  redis.Cmdable
	prefix  string
	ttl     time.Duration
	group   singleflight.Group
	breaker *circuitbreaker.Breaker
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: defaultRedisPrefix, ttl: ttl}
}

// WithBreaker routes Redis traffic through b. While Redis fails or the
// breaker is open, distances are computed locally and not shared.
func (c *RedisCache) WithBreaker(b *circuitbreaker.Breaker) *RedisCache {
	c.breaker = b
	return c
}

// computeError marks failures of the distance itself, which must not count
// against the breaker.
type computeError struct{ err error }

func (e *computeError) Error() string { return e.err.Error() }

func (e *computeError) Unwrap() error { return e.err }

func (c *RedisCache) key(k PairKey) string {
	return c.prefix + k.String()
}

func (c *RedisCache) GetOrCompute(ctx context.Context, key PairKey, compute func() (float64, error)) (float64, bool, error) {
	if c.breaker == nil {
		return c.getOrCompute(ctx, key, compute)
	}

	var (
		v          float64
		hit        bool
		computeErr error
	)
	err := c.breaker.Execute(func() error {
		var err error
		v, hit, err = c.getOrCompute(ctx, key, func() (float64, error) {
			d, err := compute()
			if err != nil {
				return 0, &computeError{err}
			}
			return d, nil
		})
		var ce *computeError
		if errors.As(err, &ce) {
			computeErr = ce.err
			return nil
		}
		return err
	})
	switch {
	case computeErr != nil:
		return 0, false, computeErr
	case err == nil:
		return v, hit, nil
	case ctx.Err() != nil:
		return 0, false, ctx.Err()
	}

	local, err, _ := c.group.Do("local:"+c.key(key), func() (interface{}, error) {
		return compute()
	})
	if err != nil {
		return 0, false, err
	}
	return local.(float64), false, nil
}

func (c *RedisCache) getOrCompute(ctx context.Context, key PairKey, compute func() (float64, error)) (float64, bool, error) {
	rk := c.key(key)
	if v, ok, err := c.load(ctx, rk); err != nil {
		return 0, false, err
	} else if ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(rk, func() (interface{}, error) {
		d, err := compute()
		if err != nil {
			return nil, err
		}
		stored, err := c.client.SetNX(ctx, rk, strconv.FormatFloat(d, 'g', -1, 64), c.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx %s: %w", rk, err)
		}
		if stored {
			return d, nil
		}
		winner, ok, err := c.load(ctx, rk)
		if err != nil {
			return nil, err
		}
		if !ok {
			// expired between SETNX and GET
			return d, nil
		}
		return winner, nil
	})
	if err != nil {
		return 0, false, err
	}
	return v.(float64), false, nil
}

func (c *RedisCache) load(ctx context.Context, rk string) (float64, bool, error) {
	s, err := c.client.Get(ctx, rk).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis get %s: %w", rk, err)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, fmt.Errorf("redis value %s: %w", rk, err)
	}
	return v, true, nil
}
