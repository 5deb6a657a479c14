package enrichers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoost(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/asio/develop/meta/libraries.json":
			w.Write([]byte(`{
				"key": "asio",
				"name": "Asio",
				"description": "Portable networking and other low-level I/O.",
				"category": ["Concurrent", "IO"],
				"authors": ["Chris Kohlhoff"],
				"maintainers": ["Chris Kohlhoff <chris -at- kohlhoff.com>"]
			}`))
		case "/hana/develop/meta/libraries.json":
			w.Write([]byte(`[{"key": "hana", "description": "Metaprogramming.", "category": ["Metaprogramming"], "authors": "Louis Dionne"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	store := newTestStore(t)
	step := NewBoost(newTestSource(t, "boost", server.URL), store, time.Hour, logging.NewNopLogger())
	ctx := context.Background()

	t.Run("maintainers", func(t *testing.T) {
		r, err := step.Transform(ctx, record.Record{"id": "boost_asio"})
		require.NoError(t, err)

		urls := r.Child("urls")
		assert.Equal(t, boostBugsURL, urls["issues"])
		assert.Equal(t, "boostorg/asio", urls["github"])
		assert.Equal(t, "Portable networking and other low-level I/O.", r["description"])
		assert.Equal(t, []any{"concurrent", "io"}, r["keywords"])
		assert.Equal(t, []any{map[string]any{"name": "Chris Kohlhoff", "email": "chris@kohlhoff.com"}}, r["authors"])
	})

	t.Run("list meta with single author string", func(t *testing.T) {
		r, err := step.Transform(ctx, record.Record{"id": "boost_hana", "description": "kept"})
		require.NoError(t, err)

		assert.Equal(t, "kept", r["description"])
		assert.Equal(t, []any{map[string]any{"name": "Louis Dionne"}}, r["authors"])
	})

	t.Run("missing meta is cached", func(t *testing.T) {
		before := atomic.LoadInt32(&calls)
		for i := 0; i < 2; i++ {
			r, err := step.Transform(ctx, record.Record{"id": "boost_nothing"})
			require.NoError(t, err)
			_, hasGitHub := r.Child("urls")["github"]
			assert.False(t, hasGitHub)
		}
		assert.Equal(t, before+1, atomic.LoadInt32(&calls))
	})

	t.Run("other ids untouched", func(t *testing.T) {
		before := atomic.LoadInt32(&calls)
		r, err := step.Transform(ctx, record.Record{"id": "zlib"})
		require.NoError(t, err)
		assert.Equal(t, record.Record{"id": "zlib"}, r)
		assert.Equal(t, before, atomic.LoadInt32(&calls))
	})
}

func TestParseMaintainer(t *testing.T) {
	assert.Equal(t, map[string]any{"name": "Jane Doe", "email": "jane@example.com"}, parseMaintainer("Jane Doe <jane -at- example.com>"))
	assert.Equal(t, map[string]any{"name": "Jane Doe"}, parseMaintainer("Jane Doe"))
}
