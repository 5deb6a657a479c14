package cache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, backend Backend) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := Open(context.Background(), backend, WithClock(clock.Now), WithLogger(logging.NewNopLogger()))
	return s, clock
}

func constant(v any, calls *int32) ComputeFunc {
	return func(ctx context.Context) (any, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return v, nil
	}
}

func TestStore_TTL(t *testing.T) {
	s, clock := newTestStore(t, nil)
	require.NoError(t, s.Set("github_repo", "conan-io/conan", "v1"))

	clock.Advance(9 * time.Second)
	assert.True(t, s.Has("github_repo", "conan-io/conan", 10*time.Second))
	v, ok := s.Lookup("github_repo", "conan-io/conan", 10*time.Second)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)

	clock.Advance(time.Second)
	assert.False(t, s.Has("github_repo", "conan-io/conan", 10*time.Second), "entry of age == maxAge is stale")
	_, ok = s.Lookup("github_repo", "conan-io/conan", 10*time.Second)
	assert.False(t, ok)

	assert.True(t, s.Has("github_repo", "conan-io/conan", time.Hour), "maxAge is chosen per read")
	assert.False(t, s.Has("github_repo", "conan-io/conan", 0))
}

func TestStore_GetFreshSkipsCompute(t *testing.T) {
	s, clock := newTestStore(t, nil)
	ctx := context.Background()
	var calls int32

	v, err := s.Get(ctx, "ns", "k", time.Minute, constant(map[string]any{"stars": 3}, &calls))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stars": float64(3)}, v)

	clock.Advance(30 * time.Second)
	v, err = s.Get(ctx, "ns", "k", time.Minute, constant("other", &calls))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"stars": float64(3)}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	clock.Advance(31 * time.Second)
	v, err = s.Get(ctx, "ns", "k", time.Minute, constant("recomputed", &calls))
	require.NoError(t, err)
	assert.Equal(t, "recomputed", v)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Writes)
}

func TestStore_GetWithoutComputeDoesNotMutate(t *testing.T) {
	s, clock := newTestStore(t, nil)
	require.NoError(t, s.Set("bintray", "/packages/a", "old"))
	clock.Advance(2 * time.Hour)
	before := s.Snapshot()

	v, err := s.Get(context.Background(), "bintray", "/packages/a", time.Hour, nil)
	assert.Nil(t, v)
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))

	_, err = s.Get(context.Background(), "bintray", "/packages/missing", time.Hour, nil)
	assert.ErrorIs(t, err, ErrCacheMiss)

	assert.Equal(t, before, s.Snapshot())
}

func TestStore_FailedComputeKeepsStaleEntry(t *testing.T) {
	s, clock := newTestStore(t, nil)
	require.NoError(t, s.Set("gitlab", "gitlab.com#a/b", "stale"))
	clock.Advance(8 * 24 * time.Hour)

	boom := errors.UpstreamError("gitlab", "502 Bad Gateway", nil)
	_, err := s.Get(context.Background(), "gitlab", "gitlab.com#a/b", 7*24*time.Hour, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	assert.Same(t, boom, err)

	snap := s.Snapshot()
	assert.Equal(t, "stale", snap["gitlab"]["gitlab.com#a/b"].Value)
	assert.False(t, s.Has("gitlab", "gitlab.com#a/b", 7*24*time.Hour), "stale entry is never served")
}

func TestStore_TypeMismatch(t *testing.T) {
	s, _ := newTestStore(t, nil)

	type repo struct{ Name string }
	tests := []struct {
		name  string
		value any
	}{
		{"struct", repo{Name: "x"}},
		{"pointer", &repo{}},
		{"channel", make(chan int)},
		{"func", func() {}},
		{"int keyed map", map[int]string{1: "a"}},
		{"nested struct", map[string]any{"owner": repo{}}},
		{"nan", []any{1.0, nanValue()}},
		{"invalid utf8 string", "readme \xff\xfe body"},
		{"invalid utf8 map key", map[string]any{"bad\xffkey": "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "ns", tt.name, time.Hour, constant(tt.value, nil))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrTypeTypeMismatch), "got %v", err)
			assert.False(t, s.Has("ns", tt.name, time.Hour))

			err = s.Set("ns", tt.name, tt.value)
			assert.True(t, errors.IsType(err, errors.ErrTypeTypeMismatch))
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestStore_ReturnsCopies(t *testing.T) {
	s, _ := newTestStore(t, nil)
	original := map[string]any{"topics": []string{"cpp", "json"}}
	require.NoError(t, s.Set("ns", "k", original))

	original["topics"] = nil
	got, ok := s.Lookup("ns", "k", time.Hour)
	require.True(t, ok)
	got.(map[string]any)["topics"].([]any)[0] = "mutated"

	again, _ := s.Lookup("ns", "k", time.Hour)
	assert.Equal(t, map[string]any{"topics": []any{"cpp", "json"}}, again)
}

func TestStore_DefaultNamespaceAndRemove(t *testing.T) {
	s, _ := newTestStore(t, nil)
	require.NoError(t, s.Set("", "k", true))
	assert.True(t, s.Has(DefaultNamespace, "k", time.Hour))
	assert.Contains(t, s.Snapshot(), DefaultNamespace)

	s.Remove("", "k")
	s.Remove("", "k")
	s.Remove("nope", "k")
	assert.False(t, s.Has("", "k", time.Hour))
	assert.NotContains(t, s.Snapshot(), DefaultNamespace)
}

func TestStore_LockedGetterSerializesCompute(t *testing.T) {
	s, _ := newTestStore(t, nil)
	var calls int32
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return "v", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Get(context.Background(), "ns", "k", time.Hour, compute)
			assert.NoError(t, err)
			assert.Equal(t, "v", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestStore_UnlockedGetterAllowsConcurrentCompute(t *testing.T) {
	s, _ := newTestStore(t, nil)

	// Both computes must be running at the same time for the barrier to open.
	var barrier sync.WaitGroup
	barrier.Add(2)
	var calls int32
	compute := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		barrier.Done()
		barrier.Wait()
		return float64(n), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Get(context.Background(), "ns", "k", time.Hour, compute, Unlocked())
			assert.NoError(t, err)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("unlocked computes did not run concurrently")
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	v, ok := s.Lookup("ns", "k", time.Hour)
	require.True(t, ok)
	assert.Contains(t, []any{float64(1), float64(2)}, v, "last writer wins")
}

func TestStore_UnlockedGetterDoesNotBlockOtherKeys(t *testing.T) {
	s, _ := newTestStore(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = s.Get(context.Background(), "ns", "slow", time.Hour, func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "slow", nil
		}, Unlocked())
	}()
	<-started

	require.NoError(t, s.Set("ns", "fast", "fast"))
	assert.True(t, s.Has("ns", "fast", time.Hour))
	close(release)
}

func TestStore_ComputePanicReleasesLock(t *testing.T) {
	s, _ := newTestStore(t, nil)
	assert.Panics(t, func() {
		_, _ = s.Get(context.Background(), "ns", "k", time.Hour, func(ctx context.Context) (any, error) {
			panic("boom")
		})
	})
	require.NoError(t, s.Set("ns", "k", "after"))
}

func TestStore_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ".cache")
	backend := NewFileBackend(path)

	s, clock := newTestStore(t, backend)
	require.NoError(t, s.Set("github_repo", "a/b", map[string]any{"stars": 10, "topics": []string{"x"}}))
	clock.Advance(1500 * time.Microsecond)
	require.NoError(t, s.Set("gitlab", "gitlab.com#c/d", []any{"one", nil, true}))
	before := s.Snapshot()
	require.NoError(t, s.Close(context.Background()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var wire map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Contains(t, wire["github_repo"]["a/b"], "value")
	assert.Contains(t, wire["github_repo"]["a/b"], "time")

	reopened := Open(context.Background(), backend, WithLogger(logging.NewNopLogger()))
	after := reopened.Snapshot()
	require.Len(t, after, 2)
	for ns, entries := range before {
		for key, e := range entries {
			got, ok := after[ns][key]
			require.True(t, ok, "%s/%s missing", ns, key)
			assert.Equal(t, e.Value, got.Value)
			assert.True(t, e.ComputedAt.Equal(got.ComputedAt), "%s/%s time %v != %v", ns, key, e.ComputedAt, got.ComputedAt)
		}
	}
}

func TestStore_InvalidUTF8KeysRejected(t *testing.T) {
	s, _ := newTestStore(t, nil)

	err := s.Set("rendered_readme", "https://host/\xff", "body")
	assert.True(t, errors.IsType(err, errors.ErrTypeTypeMismatch))

	var calls int32
	_, err = s.Get(context.Background(), "bad\xfens", "k", time.Hour, constant("body", &calls))
	assert.True(t, errors.IsType(err, errors.ErrTypeTypeMismatch))
	assert.Equal(t, int32(0), calls)
	assert.Equal(t, 0, s.Len())
}

func TestStore_UnicodeSurvivesReopen(t *testing.T) {
	backend := NewFileBackend(filepath.Join(t.TempDir(), ".cache"))
	value := map[string]any{"content": "Grüße \u2014 日本語 \U0001F680", "ключ": "значение"}

	s, clock := newTestStore(t, backend)
	require.NoError(t, s.Set("rendered_readme", "https://host/README.md", value))
	before, ok := s.Lookup("rendered_readme", "https://host/README.md", time.Hour)
	require.True(t, ok)
	require.NoError(t, s.Close(context.Background()))

	reopened := Open(context.Background(), backend, WithClock(clock.Now), WithLogger(logging.NewNopLogger()))
	after, ok := reopened.Lookup("rendered_readme", "https://host/README.md", time.Hour)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestStore_MissingOrCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()

	missing := Open(context.Background(), NewFileBackend(filepath.Join(dir, "absent")), WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 0, missing.Len())

	for name, content := range map[string]string{
		"garbage":     "{not json",
		"empty":       "",
		"wrong shape": `{"ns": {"k": 5}}`,
		"trailing":    `{} {}`,
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			s := Open(context.Background(), NewFileBackend(path), WithLogger(logging.NewNopLogger()))
			assert.Equal(t, 0, s.Len())

			require.NoError(t, s.Set("ns", "k", "v"))
			require.NoError(t, s.Save(context.Background()))
			again := Open(context.Background(), NewFileBackend(path), WithLogger(logging.NewNopLogger()))
			assert.Equal(t, 1, again.Len())
		})
	}
}

type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }

func (failingBackend) Load(ctx context.Context) ([]byte, error) {
	return nil, stderrors.New("disk on fire")
}

func (failingBackend) Store(ctx context.Context, _ []byte) error {
	return stderrors.New("disk on fire")
}

func TestStore_BackendErrors(t *testing.T) {
	s := Open(context.Background(), failingBackend{}, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 0, s.Len())
	err := s.Save(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestStore_RedisRoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := redis.NewClient(&redis.Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer client.Close()

	backend := NewRedisBackend(client, "conan-inquiry:cache")
	s := Open(context.Background(), backend, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Set("bintray", "/licenses/oss_licenses", []any{map[string]any{"name": "MIT"}}))
	require.NoError(t, s.Set("github_travis", "a/b", map[string]any{"last_build_id": 42}))
	require.NoError(t, s.Close(context.Background()))
	assert.True(t, mr.Exists("conan-inquiry:cache"))

	reopened := Open(context.Background(), backend, WithLogger(logging.NewNopLogger()))
	assert.Equal(t, 2, reopened.Len())
	v, ok := reopened.Lookup("github_travis", "a/b", time.Hour)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"last_build_id": float64(42)}, v)

	mr.Set("conan-inquiry:cache", "corrupt")
	assert.Equal(t, 0, Open(context.Background(), backend, WithLogger(logging.NewNopLogger())).Len())
}

func TestStore_AutoSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".cache")
	s, _ := newTestStore(t, NewFileBackend(path))
	require.NoError(t, s.Set("ns", "k", "v"))

	require.Error(t, s.StartAutoSave("whenever"))
	require.NoError(t, s.StartAutoSave("@every 1s"))
	require.Error(t, s.StartAutoSave("@every 1s"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, s.Close(context.Background()))
}
