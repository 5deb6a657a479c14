package enrichers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bintrayTestServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dl/conan/conan-center/conan/zlib/export/conanfile.py" {
			w.Write([]byte("class ZlibConan(ConanFile):"))
			return
		}
		user, key, ok := r.BasicAuth()
		if !ok || user != "alice" || key != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-RateLimit-Limit", "300")
		w.Header().Set("X-RateLimit-Remaining", "299")
		switch r.URL.Path {
		case "/packages/conan/conan-center/zlib:conan/versions/_latest":
			w.Write([]byte(`{"name": "1.2.11:stable"}`))
		case "/packages/conan/conan-center/zlib:conan":
			w.Write([]byte(`{
				"name": "zlib:conan",
				"desc": "A massively spiffy compression library",
				"labels": ["compression", "zip"],
				"licenses": ["Zlib", "Custom"],
				"vcs_url": "https://github.com/conan-community/conan-zlib",
				"issue_tracker_url": null,
				"website_url": "https://github.com/madler/zlib"
			}`))
		case "/packages/conan/conan-center/zlib:conan/files":
			w.Write([]byte(`[{"name": "conaninfo.txt", "path": "conan/zlib/info"}, {"name": "conanfile.py", "path": "conan/zlib/export/conanfile.py"}]`))
		case "/licenses/oss_licenses":
			w.Write([]byte(`[{"name": "Zlib", "longname": "zlib License", "url": "http://opensource.org/licenses/Zlib"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"message": "Package was not found"}`))
		}
	}))
}

func newTestBintray(t *testing.T, serverURL string) *Bintray {
	return NewBintray(newTestSource(t, "bintray", serverURL), newTestStore(t), BintrayOptions{
		Username:      "alice",
		APIKey:        "secret",
		MaxAge:        time.Hour,
		PackageMaxAge: time.Hour,
		DownloadURL:   serverURL + "/dl",
	}, logging.NewNopLogger())
}

func TestBintray(t *testing.T) {
	server := bintrayTestServer(t)
	defer server.Close()
	step := newTestBintray(t, server.URL)

	r := record.Record{
		"id":   "zlib",
		"urls": map[string]any{},
		"recipies": []any{
			map[string]any{"repo": map[string]any{"bintray": "conan/conan-center/zlib:conan"}},
			map[string]any{"conanfile": "https://example.com/conanfile.py"},
		},
	}
	out, err := step.Transform(context.Background(), r)
	require.NoError(t, err)

	recipe := out.Records("recipies")[0]
	assert.Equal(t, "https://api.bintray.com/conan/conan/conan-center", recipe["remote"])
	assert.Equal(t, "zlib", recipe["package"])
	assert.Equal(t, "conan", recipe["user"])
	assert.Equal(t, []any{map[string]any{"name": "1.2.11", "channel": "stable"}}, recipe["versions"])
	assert.Equal(t, "https://github.com/conan-community/conan-zlib", recipe.Child("urls")["website"])
	_, hasIssues := recipe.Child("urls")["issues"]
	assert.False(t, hasIssues)

	urls := out.Child("urls")
	assert.Equal(t, "https://github.com/madler/zlib", urls["website"])
	assert.Equal(t, "madler/zlib", urls["github"])
	assert.Equal(t, "A massively spiffy compression library", out["description"])
	assert.Equal(t, "zlib", out["name"])
	assert.Equal(t, []any{"compression", "zip"}, out["keywords"])
	assert.Equal(t, []any{
		map[string]any{"name": "Zlib", "longname": "zlib License", "url": "http://opensource.org/licenses/Zlib"},
		map[string]any{"name": "Custom"},
	}, out["licenses"])

	conanfile := out.Child("files").Child("conanfile")
	assert.Equal(t, server.URL+"/dl/conan/conan-center/conan/zlib/export/conanfile.py", conanfile["url"])
	assert.Equal(t, "class ZlibConan(ConanFile):", conanfile["content"])

	assert.Equal(t, Quota{Source: "bintray", Limit: 300, Remaining: 299, Seen: true}, step.src.Quota())

	// the second recipe has no bintray repo and is left alone
	assert.Equal(t, record.Record{"conanfile": "https://example.com/conanfile.py"}, out.Records("recipies")[1])
}

func TestBintrayKeepsDescriptorValues(t *testing.T) {
	server := bintrayTestServer(t)
	defer server.Close()
	step := newTestBintray(t, server.URL)

	r := record.Record{
		"name":        "ZLib",
		"description": "own words",
		"licenses":    []any{"MIT"},
		"recipies": []any{
			map[string]any{"repo": map[string]any{"bintray": "conan/conan-center/zlib:conan"}, "package": "zlib-ng"},
		},
	}
	out, err := step.Transform(context.Background(), r)
	require.NoError(t, err)

	assert.Equal(t, "ZLib", out["name"])
	assert.Equal(t, "own words", out["description"])
	assert.Equal(t, []any{"MIT"}, out["licenses"])
	assert.Equal(t, "zlib-ng", out.Records("recipies")[0]["package"])
}

func TestBintrayNotFound(t *testing.T) {
	server := bintrayTestServer(t)
	defer server.Close()
	step := newTestBintray(t, server.URL)

	r := record.Record{"recipies": []any{map[string]any{"repo": map[string]any{"bintray": "conan/conan-center/gone:conan"}}}}
	_, err := step.Transform(context.Background(), r)
	assert.True(t, errors.IsType(err, errors.ErrTypeNotFound))
}

func TestBintrayInvalidPath(t *testing.T) {
	step := newTestBintray(t, "http://127.0.0.1:0")
	r := record.Record{"recipies": []any{map[string]any{"repo": map[string]any{"bintray": "conan/zlib"}}}}
	_, err := step.Transform(context.Background(), r)
	assert.True(t, errors.IsType(err, errors.ErrTypeData))
}

func TestBintrayRateLimitIsSticky(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "You have exceeded your API call limit"}`))
	}))
	defer server.Close()
	step := newTestBintray(t, server.URL)

	newRecord := func(pkg string) record.Record {
		return record.Record{"recipies": []any{map[string]any{"repo": map[string]any{"bintray": "conan/conan-center/" + pkg}}}}
	}

	_, err := step.Transform(context.Background(), newRecord("zlib:conan"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))

	_, err = step.Transform(context.Background(), newRecord("bzip2:conan"))
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
