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

func githubTestServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token gh-token", r.Header.Get("Authorization"))
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		switch r.URL.Path {
		case "/repos/madler/zlib":
			w.Write([]byte(`{
				"name": "zlib",
				"full_name": "madler/zlib",
				"description": "A massively spiffy yet delicately unobtrusive compression library.",
				"homepage": "http://zlib.net",
				"html_url": "https://github.com/madler/zlib",
				"clone_url": "https://github.com/madler/zlib.git",
				"has_issues": true,
				"has_wiki": false,
				"stargazers_count": 4000,
				"forks_count": 1800,
				"subscribers_count": 200,
				"open_issues_count": 120,
				"topics": ["compression", "deflate"],
				"owner": {"login": "madler", "type": "User"}
			}`))
		case "/repos/madler/zlib/readme":
			if r.Header.Get("Accept") == "application/vnd.github.html" {
				w.Write([]byte(`<p>See <a href="FAQ">the FAQ</a>.</p>`))
				return
			}
			w.Write([]byte(`{"html_url": "https://github.com/madler/zlib/blob/master/README", "path": "README"}`))
		case "/repos/madler/zlib/pulls":
			assert.Equal(t, "open", r.URL.Query().Get("state"))
			w.Header().Set("Link", `<https://api.github.com/repositories/1/pulls?state=open&per_page=1&page=2>; rel="next", <https://api.github.com/repositories/1/pulls?state=open&per_page=1&page=17>; rel="last"`)
			w.Write([]byte(`[{"number": 900}]`))
		case "/repos/madler/zlib/stats/contributors":
			w.Write([]byte(`[{"total": 300}, {"total": 12}]`))
		case "/repos/madler/zlib/commits":
			assert.Equal(t, "1", r.URL.Query().Get("per_page"))
			w.Write([]byte(`[{"sha": "abc", "commit": {"committer": {"name": "Mark Adler", "date": "2024-01-22T17:40:22Z"}}}]`))
		case "/repos/madler/zlib/license":
			w.Write([]byte(`{"name": "LICENSE", "html_url": "https://github.com/madler/zlib/blob/master/LICENSE"}`))
		case "/users/madler":
			w.Write([]byte(`{"login": "madler", "name": "Mark Adler", "email": null, "blog": "http://madler.net"}`))
		case "/repos/quota/exhausted":
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
}

func travisTestServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		if r.URL.Path == "/repos/madler/zlib" {
			w.Write([]byte(`{"id": 1, "last_build_id": 42}`))
			return
		}
		http.NotFound(w, r)
	}))
}

func newTestGitHub(t *testing.T, apiURL, travisURL string) *GitHub {
	var travis *Source
	if travisURL != "" {
		travis = newTestSource(t, "travis", travisURL)
	}
	return NewGitHub(newTestSource(t, "github", apiURL), travis, newTestStore(t), GitHubOptions{
		Token:        "gh-token",
		RepoMaxAge:   time.Hour,
		ReadmeMaxAge: time.Hour,
		TravisMaxAge: time.Hour,
	}, logging.NewNopLogger())
}

func TestGitHub(t *testing.T) {
	api := githubTestServer(t)
	defer api.Close()
	travis := travisTestServer(t)
	defer travis.Close()
	step := newTestGitHub(t, api.URL, travis.URL)

	r := record.Record{
		"id":       "zlib",
		"name":     "zlib",
		"urls":     map[string]any{"github": "madler/zlib", "website": "https://zlib.net"},
		"keywords": []any{"zip"},
		"recipies": []any{map[string]any{"urls": map[string]any{"github": "conan-community/conan-zlib"}}},
	}
	out, err := step.Transform(context.Background(), r)
	require.NoError(t, err)

	urls := out.Child("urls")
	assert.Equal(t, "https://zlib.net", urls["website"])
	assert.Equal(t, "https://github.com/madler/zlib", urls["code"])
	assert.Equal(t, "https://github.com/madler/zlib/issues", urls["issues"])
	assert.NotContains(t, urls, "wiki")
	assert.Equal(t, "https://travis-ci.org/madler/zlib", urls["travis"])
	assert.Equal(t, "https://github.com/madler/zlib.git", urls["git"])
	assert.Equal(t, "https://github.com/madler/zlib/blob/master/README", urls["readme"])

	assert.Equal(t, "A massively spiffy yet delicately unobtrusive compression library.", out["description"])
	assert.Equal(t, []any{"zip", "compression", "deflate"}, out["keywords"])
	assert.Equal(t, []any{map[string]any{"name": "Mark Adler", "github": "madler", "website": "http://madler.net"}}, out["authors"])

	readme := out.Child("files").Child("readme")
	assert.Equal(t, "https://github.com/madler/zlib/blob/master/README", readme["url"])
	assert.Equal(t, `<p>See <a href="https://github.com/madler/zlib/FAQ">the FAQ</a>.</p>`, readme["content"])

	stats := out.Child("stats")
	assert.Equal(t, float64(4000), stats["github_stars"])
	assert.Equal(t, float64(1800), stats["github_forks"])
	assert.Equal(t, float64(200), stats["github_watchers"])
	assert.Equal(t, float64(120), stats["github_issues"])
	assert.Equal(t, float64(17), stats["github_prs"])
	assert.Equal(t, float64(312), stats["github_commits"])
	assert.Equal(t, "2024-01-22T17:40:22Z", stats["github_latest_commit"])
	assert.Equal(t, "https://github.com/madler/zlib/blob/master/LICENSE", out["license"])

	recipeURLs := out.Records("recipies")[0].Child("urls")
	assert.Equal(t, "https://github.com/conan-community/conan-zlib", recipeURLs["website"])
	assert.Equal(t, "https://github.com/conan-community/conan-zlib/issues", recipeURLs["issues"])

	assert.Equal(t, Quota{Source: "github", Limit: 5000, Remaining: 4999, Seen: true}, step.api.Quota())
}

func TestGitHubDescriptionEqualToNameIsSkipped(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/o/thing":
			w.Write([]byte(`{"description": "thing", "html_url": "https://github.com/o/thing"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()
	step := newTestGitHub(t, api.URL, "")

	out, err := step.Transform(context.Background(), record.Record{
		"name":    "thing",
		"authors": []any{map[string]any{"name": "Someone"}},
		"urls":    map[string]any{"github": "o/thing"},
	})
	require.NoError(t, err)
	assert.NotContains(t, out, "description")
	assert.NotContains(t, out.Child("urls"), "readme")
	assert.NotContains(t, out.Child("urls"), "travis")
	assert.Equal(t, []any{map[string]any{"name": "Someone"}}, out["authors"])
}

func TestGitHubUnknownRepository(t *testing.T) {
	api := githubTestServer(t)
	defer api.Close()
	step := newTestGitHub(t, api.URL, "")

	r := record.Record{"urls": map[string]any{"github": "no/such"}}
	out, err := step.Transform(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, record.Record{"urls": map[string]any{"github": "no/such"}}, out)
}

func TestGitHubRateLimit(t *testing.T) {
	api := githubTestServer(t)
	defer api.Close()
	step := newTestGitHub(t, api.URL, "")

	_, err := step.Transform(context.Background(), record.Record{"urls": map[string]any{"github": "quota/exhausted"}})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, int64(0), step.api.Quota().Remaining)
}

func TestGitHubUsesCache(t *testing.T) {
	var repoCalls int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/o/r" {
			repoCalls++
			w.Write([]byte(`{"html_url": "https://github.com/o/r"}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer api.Close()
	step := newTestGitHub(t, api.URL, "")

	for i := 0; i < 3; i++ {
		_, err := step.Transform(context.Background(), record.Record{
			"authors": []any{},
			"urls":    map[string]any{"github": "o/r"},
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, repoCalls)
}

func TestGitHubActivityFallbacks(t *testing.T) {
	var contributorCalls atomic.Int32
	var ready atomic.Bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/o/empty":
			w.Write([]byte(`{"html_url": "https://github.com/o/empty"}`))
		case "/repos/o/empty/pulls":
			w.Write([]byte(`[{"number": 2}, {"number": 1}]`))
		case "/repos/o/empty/stats/contributors":
			contributorCalls.Add(1)
			if !ready.Load() {
				w.WriteHeader(http.StatusAccepted)
				w.Write([]byte(`{}`))
				return
			}
			w.Write([]byte(`[{"total": 3}]`))
		case "/repos/o/empty/commits":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message": "Git Repository is empty."}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer api.Close()
	step := newTestGitHub(t, api.URL, "")

	in := func() record.Record {
		return record.Record{"authors": []any{}, "urls": map[string]any{"github": "o/empty"}}
	}
	out, err := step.Transform(context.Background(), in())
	require.NoError(t, err)

	stats := out.Child("stats")
	assert.Equal(t, float64(2), stats["github_prs"])
	assert.NotContains(t, stats, "github_commits")
	assert.NotContains(t, stats, "github_latest_commit")
	assert.NotContains(t, out, "license")
	assert.Equal(t, "https://github.com/o/empty", out.Child("urls")["code"])

	// statistics still being computed are asked for again on the next record
	ready.Store(true)
	out, err = step.Transform(context.Background(), in())
	require.NoError(t, err)
	assert.Equal(t, float64(3), out.Child("stats")["github_commits"])
	assert.Equal(t, int32(2), contributorCalls.Load())
}

func TestLastPage(t *testing.T) {
	n, ok := lastPage(`<https://api.github.com/repositories/1/pulls?page=2>; rel="next", <https://api.github.com/repositories/1/pulls?per_page=1&page=34>; rel="last"`)
	assert.True(t, ok)
	assert.Equal(t, 34, n)

	_, ok = lastPage(`<https://api.github.com/repositories/1/pulls?page=2>; rel="next"`)
	assert.False(t, ok)
	_, ok = lastPage("")
	assert.False(t, ok)
}
