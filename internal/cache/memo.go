// Package cache provides the read-through memo used in front of every remote
// lookup: a TTL-bounded LRU plus single-flight de-duplication per key.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/onexay/hgrev/internal/metrics"
)

const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultShare = "share"
)

// DefaultSize bounds a memo when Options.Size is not set.
const DefaultSize = 10000

// Options configures a Memo.
type Options struct {
	// Name labels the memo's metrics.
	Name string
	// Size is the maximum number of entries kept.
	Size int
	// TTL is how long a computed value stays fresh. Zero keeps values until evicted.
	TTL time.Duration
}

// Memo caches the results of a compute function per key. Concurrent callers for
// one key share one in-flight computation and errors are never stored.
type Memo[V any] struct {
	name  string
	lru   *expirable.LRU[string, V]
	group singleflight.Group
}

// New creates a Memo.
func New[V any](opts Options) *Memo[V] {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	return &Memo[V]{
		name: opts.Name,
		lru:  expirable.NewLRU[string, V](opts.Size, nil, opts.TTL),
	}
}

// Get returns the fresh value for key or runs compute to produce it. compute
// runs detached from the cancellation of the caller that started it, so every
// caller joined to the key sees the same result. A caller whose ctx ends stops
// waiting while the shared computation keeps running.
func (m *Memo[V]) Get(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := m.lru.Get(key); ok {
		metrics.CacheRequests.WithLabelValues(m.name, resultHit).Inc()
		return v, nil
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	shared := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		if v, ok := m.lru.Get(key); ok {
			return v, nil
		}
		metrics.CacheRequests.WithLabelValues(m.name, resultMiss).Inc()
		v, err := compute(shared)
		if err != nil {
			return v, err
		}
		m.lru.Add(key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.CacheRequests.WithLabelValues(m.name, resultShare).Inc()
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, ok := res.Val.(V)
		if !ok && res.Val != nil {
			return zero, fmt.Errorf("memo %s: unexpected value type %T for key %s", m.name, res.Val, key)
		}
		return v, nil
	}
}

// Peek returns the fresh value for key without computing it.
func (m *Memo[V]) Peek(key string) (V, bool) {
	return m.lru.Peek(key)
}

// Forget drops key so the next Get recomputes it.
func (m *Memo[V]) Forget(key string) {
	m.lru.Remove(key)
	m.group.Forget(key)
}

// Len returns the number of cached entries, including ones not yet purged.
func (m *Memo[V]) Len() int {
	return m.lru.Len()
}
