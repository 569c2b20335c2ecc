package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Observer receives cache lookup outcomes, typically for metrics
type Observer interface {
	RecordCacheHit(namespace string)
	RecordCacheMiss(namespace string)
}

// panicError carries a panic out of a shared load so every waiting caller
// re-raises it on its own goroutine
type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("cache: load panicked: %v", e.value)
}

// Loader memoizes expensive lookups in a Cache. Keys are namespaced as
// "namespace:key" so different lookups never collide.
type Loader struct {
	cache       Cache
	ttl         time.Duration
	loadTimeout time.Duration
	logger      *slog.Logger
	observer    Observer
	group       singleflight.Group
}

// NewLoader creates a loader storing results for ttl. A ttl of zero disables
// caching entirely and every call goes straight to the load function.
func NewLoader(c Cache, ttl time.Duration, logger *slog.Logger) *Loader {
	return &Loader{
		cache:  c,
		ttl:    ttl,
		logger: logger,
	}
}

// SetObserver sets the hit/miss observer
func (l *Loader) SetObserver(observer Observer) {
	l.observer = observer
}

// SetLoadTimeout bounds a shared load once it no longer follows the
// cancellation of the request that started it. Zero means no bound.
func (l *Loader) SetLoadTimeout(timeout time.Duration) {
	l.loadTimeout = timeout
}

// detach returns a context carrying the values of ctx but not its
// cancellation, so one departing caller cannot fail the others
func (l *Loader) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if l.loadTimeout > 0 {
		return context.WithTimeout(detached, l.loadTimeout)
	}
	return context.WithCancel(detached)
}

// Enabled reports whether results are cached at all
func (l *Loader) Enabled() bool {
	return l != nil && l.cache != nil && l.ttl > 0
}

// Flush drops every cached entry
func (l *Loader) Flush() {
	if l != nil && l.cache != nil {
		l.cache.Clear()
	}
}

// Stats returns statistics of the underlying cache
func (l *Loader) Stats() Stats {
	if l == nil || l.cache == nil {
		return Stats{}
	}
	return l.cache.GetStats()
}

// Load returns the cached value for namespace/key or calls fn to produce it.
// Errors and empty results are never stored. Concurrent misses for the same
// key share a single call to fn, which runs detached from any one caller's
// cancellation; each caller stops waiting when its own ctx is done.
func Load[T any](ctx context.Context, l *Loader, namespace, key string, fn func(context.Context) (T, error)) (T, error) {
	if !l.Enabled() {
		return fn(ctx)
	}

	globalKey := namespace + ":" + key

	if cached, ok := l.cache.Get(globalKey); ok {
		if value, ok := cached.(T); ok {
			l.logger.Debug("Found in cache", "key", globalKey)
			if l.observer != nil {
				l.observer.RecordCacheHit(namespace)
			}
			return value, nil
		}
		// A different type under the same key means a namespace clash; drop it
		l.cache.Delete(globalKey)
	}

	l.logger.Debug("Cache miss", "key", globalKey)
	if l.observer != nil {
		l.observer.RecordCacheMiss(namespace)
	}

	ch := l.group.DoChan(globalKey, func() (result interface{}, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				result, err = nil, &panicError{value: rec}
			}
		}()

		loadCtx, cancel := l.detach(ctx)
		defer cancel()

		value, err := fn(loadCtx)
		if err != nil {
			return value, err
		}
		if !isEmpty(value) {
			if !l.cache.Add(globalKey, value, l.ttl) {
				l.logger.Debug("Entry already cached by a concurrent load", "key", globalKey)
			}
		}
		return value, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res = <-ch:
	}

	if pe, ok := res.Err.(*panicError); ok {
		panic(pe.value)
	}
	if res.Err != nil {
		var zero T
		if value, ok := res.Val.(T); ok {
			return value, res.Err
		}
		return zero, res.Err
	}

	value, ok := res.Val.(T)
	if !ok && res.Val != nil {
		var zero T
		return zero, fmt.Errorf("cache: unexpected result type %T for %s", res.Val, globalKey)
	}
	return value, nil
}
