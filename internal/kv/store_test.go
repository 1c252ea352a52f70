package kv

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock func() time.Time) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, clock func() time.Time) Store {
			return NewMemoryStore(WithMemoryClock(clock))
		},
		"bolt": func(t *testing.T, clock func() time.Time) Store {
			store, err := OpenBoltStore(filepath.Join(t.TempDir(), "kv.db"), WithBoltClock(clock), WithBoltNoSync(true))
			if err != nil {
				t.Fatalf("failed to open bolt store: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
		"sqlite": func(t *testing.T, clock func() time.Time) Store {
			db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kv.sqlite")), &gorm.Config{})
			if err != nil {
				t.Fatalf("failed to open sqlite: %v", err)
			}
			if err := db.AutoMigrate(&Entry{}); err != nil {
				t.Fatalf("failed to migrate: %v", err)
			}
			store, err := NewSQLStore(db, clock)
			if err != nil {
				t.Fatalf("failed to build sql store: %v", err)
			}
			return store
		},
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			store := factory(t, clock.Now)

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing key, got %v", err)
			}

			for _, key := range []string{"slide:b", "slide:a", "slide_x:1", "slides:c", "course:1"} {
				if err := store.Put(ctx, key, []byte(key), 0); err != nil {
					t.Fatalf("put %s failed: %v", key, err)
				}
			}

			keys, err := store.List(ctx, "slide:", 0)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"slide:a", "slide:b"}) {
				t.Fatalf("unexpected prefix scan: %v", keys)
			}

			keys, err = store.List(ctx, "slide", 2)
			if err != nil {
				t.Fatalf("limited list failed: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"slide:a", "slide:b"}) {
				t.Fatalf("unexpected limited scan: %v", keys)
			}

			if err := store.Put(ctx, "slide:a", []byte("overwritten"), 0); err != nil {
				t.Fatalf("overwrite failed: %v", err)
			}
			value, err := store.Get(ctx, "slide:a")
			if err != nil || string(value) != "overwritten" {
				t.Fatalf("unexpected overwrite result %q, %v", value, err)
			}

			if err := store.Delete(ctx, "slide:a"); err != nil {
				t.Fatalf("delete failed: %v", err)
			}
			if err := store.Delete(ctx, "slide:a"); err != nil {
				t.Fatalf("second delete should be a no-op, got %v", err)
			}
			if _, err := store.Get(ctx, "slide:a"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected deleted key to be absent, got %v", err)
			}
		})
	}
}

func TestStoreExpiry(t *testing.T) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
			store := factory(t, clock.Now)

			if err := store.Put(ctx, "transcription:1", []byte("x"), time.Hour); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := store.Put(ctx, "transcription:2", []byte("y"), 0); err != nil {
				t.Fatalf("put failed: %v", err)
			}

			clock.Advance(59 * time.Minute)
			if _, err := store.Get(ctx, "transcription:1"); err != nil {
				t.Fatalf("expected live key before expiry, got %v", err)
			}

			clock.Advance(2 * time.Minute)
			if _, err := store.Get(ctx, "transcription:1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected expired key to be hidden, got %v", err)
			}
			keys, err := store.List(ctx, "transcription:", 0)
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			if !reflect.DeepEqual(keys, []string{"transcription:2"}) {
				t.Fatalf("expected only the non-expiring key, got %v", keys)
			}
		})
	}
}

func TestBoltStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := OpenBoltStore(filepath.Join(t.TempDir(), "purge.db"), WithBoltClock(clock.Now), WithBoltNoSync(true))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer store.Close()

	for _, key := range []string{"a", "b", "c"} {
		if err := store.Put(ctx, key, []byte(key), time.Minute); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	// Rewriting without TTL must drop the old expiry index entry.
	if err := store.Put(ctx, "c", []byte("kept"), 0); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	purged, err := store.PurgeExpired(ctx, 0)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected 2 purged entries, got %d", purged)
	}
	if value, err := store.Get(ctx, "c"); err != nil || string(value) != "kept" {
		t.Fatalf("expected rewritten key to survive purge, got %q, %v", value, err)
	}
}

func TestSQLStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "purge.sqlite")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := NewSQLStore(db, clock.Now)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	if err := store.Put(ctx, "a", []byte("a"), time.Minute); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.Put(ctx, "b", []byte("b"), 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	clock.Advance(time.Hour)

	purged, err := store.PurgeExpired(ctx, 0)
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected one purged row, got %d", purged)
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	ctx := context.Background()
	clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithMemoryClock(clock.Now))
	var purger Purger = store

	for _, key := range []string{"a", "b"} {
		if err := store.Put(ctx, key, []byte(key), time.Minute); err != nil {
			t.Fatalf("put failed: %v", err)
		}
	}
	if err := store.Put(ctx, "c", []byte("c"), 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	clock.Advance(time.Hour)

	purged, err := purger.PurgeExpired(ctx, 0)
	if err != nil || purged != 2 {
		t.Fatalf("expected 2 purged entries, got %d, %v", purged, err)
	}
	if store.Len() != 1 {
		t.Fatalf("expected only the persistent key to remain, found %d", store.Len())
	}
}

func TestPrefixUpperBound(t *testing.T) {
	testCases := []struct {
		prefix string
		want   string
	}{
		{prefix: "slide:", want: "slide;"},
		{prefix: "a\xff", want: "b"},
		{prefix: "\xff\xff", want: ""},
	}
	for _, testCase := range testCases {
		if got := prefixUpperBound(testCase.prefix); got != testCase.want {
			t.Fatalf("prefixUpperBound(%q) = %q, want %q", testCase.prefix, got, testCase.want)
		}
	}
}

func TestEscapeRedisPattern(t *testing.T) {
	if got := escapeRedisPattern("a*b?[c]"); got != `a\*b\?\[c\]` {
		t.Fatalf("unexpected escaped pattern %q", got)
	}
}

func TestRedisNamespaceIsSeparated(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	testCases := []struct {
		namespace string
		want      string
	}{
		{namespace: "", want: "user:usr_1"},
		{namespace: "coursework", want: "coursework:user:usr_1"},
		{namespace: "coursework:", want: "coursework:user:usr_1"},
	}
	for _, testCase := range testCases {
		store := NewRedisStoreWithClient(rdb, testCase.namespace)
		if got := store.namespaced("user:usr_1"); got != testCase.want {
			t.Fatalf("namespace %q: expected %q, got %q", testCase.namespace, testCase.want, got)
		}
	}
}
