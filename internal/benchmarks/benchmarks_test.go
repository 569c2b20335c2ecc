package benchmarks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/atlet99/ego-cse/internal/cache"
	"github.com/atlet99/ego-cse/internal/config"
	"github.com/atlet99/ego-cse/internal/friendfeed"
	"github.com/atlet99/ego-cse/internal/server"
	"github.com/atlet99/ego-cse/internal/templates"
)

type staticProfiles struct{}

func (staticProfiles) Profile(_ context.Context, nickname string) (*friendfeed.Profile, error) {
	return &friendfeed.Profile{
		Name:     "Bench User",
		Nickname: nickname,
		Services: []friendfeed.Service{
			{ProfileURL: "http://twitter.com/" + nickname},
			{ProfileURL: "http://" + nickname + ".tumblr.com/"},
		},
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// BenchmarkCacheOnly benchmarks cache operations only
func BenchmarkCacheOnly(b *testing.B) {
	c := cache.NewMemoryCache(10000)
	defer c.Close()

	b.Run("Set", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			c.Set("key"+strconv.Itoa(i%5000), "value", time.Hour)
		}
	})

	b.Run("Get", func(b *testing.B) {
		for i := 0; i < 1000; i++ {
			c.Set("key"+strconv.Itoa(i), "value", time.Hour)
		}

		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			c.Get("key" + strconv.Itoa(i%1000))
		}
	})
}

// BenchmarkLoaderHit benchmarks cached lookups through the loader
func BenchmarkLoaderHit(b *testing.B) {
	c := cache.NewMultiLevelCache(1000, 10000)
	defer c.Close()
	loader := cache.NewLoader(c, time.Hour, discardLogger())

	ctx := context.Background()
	load := func(context.Context) (string, error) { return "value", nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := cache.Load(ctx, loader, "bench", "key", load); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkRateLimiterOnly benchmarks rate limiter performance only
func BenchmarkRateLimiterOnly(b *testing.B) {
	rateLimiter := server.NewHTTPRateLimiter(&server.RateLimiterConfig{
		DefaultRate:  1000.0, // High rate for benchmarking
		DefaultBurst: 2000,
		PerIP:        true,
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rateLimiter.Allow(req)
	}
}

// BenchmarkRenderUser benchmarks rendering the install page
func BenchmarkRenderUser(b *testing.B) {
	renderer, err := templates.NewRenderer(config.DefaultPublicBaseURL, config.DefaultCSEURL)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := renderer.User(io.Discard, "Alice", "alice123"); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkServer benchmarks full requests with and without the page cache
func BenchmarkServer(b *testing.B) {
	for _, ttl := range []int{0, 3600} {
		b.Run("cache_ttl_"+strconv.Itoa(ttl), func(b *testing.B) {
			cfg := config.Default()
			cfg.CacheExpirationSeconds = ttl
			cfg.RateLimitRPS = 1e9
			cfg.RateLimitBurst = 1e9

			srv, err := server.New(cfg, discardLogger(), server.WithProfileSource(staticProfiles{}))
			if err != nil {
				b.Fatal(err)
			}
			defer func() { _ = srv.Shutdown(context.Background()) }()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				w := httptest.NewRecorder()
				srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/friendfeed/alice/cref/", nil))
				if w.Code != http.StatusOK {
					b.Fatalf("unexpected status %d", w.Code)
				}
			}
		})
	}
}
