package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache(10)
	defer c.Close()

	c.Set("profile:alice", "Alice", time.Hour)

	value, ok := c.Get("profile:alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", value)

	_, ok = c.Get("profile:bob")
	assert.False(t, ok)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(10)
	defer c.Close()

	c.Set("k", "v", -time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.GetStats().Size)
}

func TestMemoryCache_AddKeepsExisting(t *testing.T) {
	c := NewMemoryCache(10)
	defer c.Close()

	assert.True(t, c.Add("k", "first", time.Hour))
	assert.False(t, c.Add("k", "second", time.Hour))

	value, _ := c.Get("k")
	assert.Equal(t, "first", value)

	c.Set("expired", "old", -time.Second)
	assert.True(t, c.Add("expired", "new", time.Hour), "expired entries can be replaced")
}

func TestMemoryCache_EvictsLeastUsed(t *testing.T) {
	c := NewMemoryCache(2)
	defer c.Close()

	c.Set("a", 1, time.Hour)
	c.Set("b", 2, time.Hour)
	_, _ = c.Get("a")
	c.Set("c", 3, time.Hour)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, int64(1), c.GetStats().Evictions)
}

func TestMemoryCache_OverwriteDoesNotEvict(t *testing.T) {
	c := NewMemoryCache(1)
	defer c.Close()

	c.Set("a", 1, time.Hour)
	c.Set("a", 2, time.Hour)

	value, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, value)
	assert.Zero(t, c.GetStats().Evictions)
}

func TestMemoryCache_CleanupAndClear(t *testing.T) {
	c := NewMemoryCache(10)
	defer c.Close()

	c.Set("live", 1, time.Hour)
	c.Set("dead", 2, -time.Second)
	c.cleanup()
	assert.Equal(t, 1, c.GetStats().Size)

	c.Clear()
	assert.Equal(t, 0, c.GetStats().Size)

	c.Delete("missing")
}

func TestMemoryCache_CloseIsIdempotent(t *testing.T) {
	c := NewMemoryCache(1)
	c.Close()
	c.Close()
}

func TestMultiLevelCache(t *testing.T) {
	mlc := NewMultiLevelCache(2, 10)
	defer mlc.Close()

	mlc.L2.Set("only-l2", "value", time.Hour)

	value, ok := mlc.Get("only-l2")
	require.True(t, ok)
	assert.Equal(t, "value", value)

	_, promoted := mlc.L1.Get("only-l2")
	assert.True(t, promoted, "L2 hits are promoted to L1")

	assert.True(t, mlc.Add("page:/", "home", time.Hour))
	assert.False(t, mlc.Add("page:/", "again", time.Hour))

	mlc.Delete("page:/")
	_, ok = mlc.Get("page:/")
	assert.False(t, ok)

	mlc.Set("x", 1, time.Hour)
	mlc.Clear()
	assert.Equal(t, 0, mlc.GetStats().Size)
	assert.Equal(t, 12, mlc.GetStats().MaxSize)
}

func TestMultiLevelCache_PromotionKeepsRemainingTTL(t *testing.T) {
	mlc := NewMultiLevelCache(1, 10)
	defer mlc.Close()

	mlc.Set("page:/a/", "a", 150*time.Millisecond)
	// Pushes the first key out of the single-slot L1
	mlc.Set("page:/b/", "b", time.Hour)
	_, inL1 := mlc.L1.Get("page:/a/")
	require.False(t, inL1)

	time.Sleep(50 * time.Millisecond)
	value, ok := mlc.Get("page:/a/")
	require.True(t, ok)
	assert.Equal(t, "a", value)

	_, expiresAt, promoted := mlc.L1.getWithExpiry("page:/a/")
	require.True(t, promoted)
	assert.LessOrEqual(t, time.Until(expiresAt), 100*time.Millisecond)

	time.Sleep(150 * time.Millisecond)
	_, ok = mlc.Get("page:/a/")
	assert.False(t, ok, "promoted entries expire with the original TTL")
}

func TestMultiLevelCache_StatsCountOncePerLookup(t *testing.T) {
	mlc := NewMultiLevelCache(1, 10)
	defer mlc.Close()

	mlc.Set("a", 1, time.Hour)
	mlc.Set("b", 2, time.Hour)

	_, ok := mlc.Get("a") // L1 miss, L2 hit
	require.True(t, ok)
	_, ok = mlc.Get("a") // L1 hit
	require.True(t, ok)
	_, ok = mlc.Get("missing")
	require.False(t, ok)

	stats := mlc.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 2, stats.Size, "keys held by both levels count once")
	assert.InDelta(t, 2.0/3.0, stats.HitRate, 0.0001)
}

type countingObserver struct {
	hits, misses int32
}

func (o *countingObserver) RecordCacheHit(string)  { atomic.AddInt32(&o.hits, 1) }
func (o *countingObserver) RecordCacheMiss(string) { atomic.AddInt32(&o.misses, 1) }

func TestLoad_CachesResults(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()

	loader := NewLoader(mlc, time.Hour, testLogger())
	observer := &countingObserver{}
	loader.SetObserver(observer)

	var calls int
	fetch := func(context.Context) (string, error) {
		calls++
		return "Alice", nil
	}

	for i := 0; i < 3; i++ {
		name, err := Load(context.Background(), loader, "friendfeed:name", "alice", fetch)
		require.NoError(t, err)
		assert.Equal(t, "Alice", name)
	}

	assert.Equal(t, 1, calls)
	assert.Equal(t, int32(2), observer.hits)
	assert.Equal(t, int32(1), observer.misses)
}

func TestLoad_DoesNotCacheErrorsOrEmptyResults(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())

	var calls int
	failing := func(context.Context) (string, error) {
		calls++
		return "", errors.New("upstream down")
	}
	_, err := Load(context.Background(), loader, "ns", "k", failing)
	require.Error(t, err)
	_, err = Load(context.Background(), loader, "ns", "k", failing)
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var emptyCalls int
	empty := func(context.Context) ([]string, error) {
		emptyCalls++
		return nil, nil
	}
	_, _ = Load(context.Background(), loader, "ns", "empty", empty)
	_, _ = Load(context.Background(), loader, "ns", "empty", empty)
	assert.Equal(t, 2, emptyCalls)
}

func TestLoad_DisabledWithZeroTTL(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, 0, testLogger())
	assert.False(t, loader.Enabled())

	var calls int
	for i := 0; i < 2; i++ {
		_, err := Load(context.Background(), loader, "ns", "k", func(context.Context) (int, error) {
			calls++
			return 7, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, mlc.GetStats().Size)
}

func TestLoad_NamespacesDoNotCollide(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())

	a, _ := Load(context.Background(), loader, "osd", "/x/", func(context.Context) (string, error) { return "osd", nil })
	b, _ := Load(context.Background(), loader, "cref", "/x/", func(context.Context) (string, error) { return "cref", nil })
	assert.Equal(t, "osd", a)
	assert.Equal(t, "cref", b)
}

func TestLoad_CollapsesConcurrentMisses(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())

	var calls int32
	release := make(chan struct{})
	fetch := func(context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "shared", nil
	}

	var wg sync.WaitGroup
	results := make([]string, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = Load(context.Background(), loader, "ns", "hot", fetch)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, "shared", r)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestLoad_LeaderCancelDoesNotFailFollowers(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())
	loader.SetLoadTimeout(5 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	var loadErr atomic.Value
	fetch := func(ctx context.Context) (string, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			loadErr.Store(err)
			return "", err
		}
		return "profile", nil
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, err := Load(leaderCtx, loader, "friendfeed:profile", "alice", fetch)
		leaderDone <- err
	}()
	<-started

	followerDone := make(chan string, 1)
	go func() {
		value, err := Load(context.Background(), loader, "friendfeed:profile", "alice", fetch)
		assert.NoError(t, err)
		followerDone <- value
	}()
	time.Sleep(20 * time.Millisecond)

	cancelLeader()
	assert.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	assert.Equal(t, "profile", <-followerDone)
	assert.Nil(t, loadErr.Load(), "the shared load keeps running after the leader leaves")

	cached, ok := mlc.Get("friendfeed:profile:alice")
	require.True(t, ok)
	assert.Equal(t, "profile", cached)
}

func TestLoad_ReraisesPanics(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())

	assert.PanicsWithValue(t, "lookup exploded", func() {
		_, _ = Load(context.Background(), loader, "ns", "boom", func(context.Context) (string, error) {
			panic("lookup exploded")
		})
	})
}

func TestLoader_FlushAndStats(t *testing.T) {
	mlc := NewMultiLevelCache(10, 10)
	defer mlc.Close()
	loader := NewLoader(mlc, time.Hour, testLogger())

	_, _ = Load(context.Background(), loader, "ns", "k", func(context.Context) (string, error) { return "v", nil })
	assert.Positive(t, loader.Stats().Size)

	loader.Flush()
	assert.Equal(t, 0, loader.Stats().Size)

	var nilLoader *Loader
	assert.Equal(t, Stats{}, nilLoader.Stats())
	nilLoader.Flush()
}

func TestIsEmpty(t *testing.T) {
	var nilPtr *Stats
	assert.True(t, isEmpty(nil))
	assert.True(t, isEmpty(""))
	assert.True(t, isEmpty([]string{}))
	assert.True(t, isEmpty(nilPtr))
	assert.True(t, isEmpty(0))
	assert.False(t, isEmpty("x"))
	assert.False(t, isEmpty([]string{"a"}))
	assert.False(t, isEmpty(&Stats{}))
}
