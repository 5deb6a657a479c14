package enrichers

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"
)

const (
	bintrayConanRemote = "https://api.bintray.com/conan/"
	bintrayDownloadURL = "https://dl.bintray.com"
	bintrayLimitText   = "exceeded your API call limit"
)

type bintrayVersion struct {
	Name string `json:"name"`
}

type bintrayPackage struct {
	Name            string   `json:"name"`
	Desc            string   `json:"desc"`
	Labels          []string `json:"labels"`
	Licenses        []string `json:"licenses"`
	VcsURL          string   `json:"vcs_url"`
	IssueTrackerURL string   `json:"issue_tracker_url"`
	WebsiteURL      string   `json:"website_url"`
}

type bintrayFile struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

type bintrayLicense struct {
	Name     string `json:"name"`
	Longname string `json:"longname,omitempty"`
	URL      string `json:"url,omitempty"`
}

// BintrayOptions configures the bintray step.
type BintrayOptions struct {
	Username      string
	APIKey        string
	MaxAge        time.Duration
	PackageMaxAge time.Duration
	// DownloadURL is the root recipe files are served from.
	DownloadURL string
}

// Bintray fills recipes that point at a Bintray package via repo.bintray,
// written as owner/repo/package[:user].
//
// Once Bintray reports an exhausted quota every later call fails fast with
// a rate_limit error.
type Bintray struct {
	src      *Source
	store    *cache.Store
	opts     BintrayOptions
	logger   logging.Logger
	exceeded atomic.Bool
}

// NewBintray creates the bintray step
func NewBintray(src *Source, store *cache.Store, opts BintrayOptions, logger logging.Logger) *Bintray {
	if opts.DownloadURL == "" {
		opts.DownloadURL = bintrayDownloadURL
	}
	return &Bintray{src: src, store: store, opts: opts, logger: logging.OrGlobal(logger)}
}

// Name returns the step name
func (b *Bintray) Name() string {
	return "bintray"
}

// Transform implements pipeline.Step
func (b *Bintray) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	for _, recipe := range r.Records("recipies") {
		repo, ok := recipe.Lookup("repo")
		if !ok || repo.String("bintray") == "" {
			continue
		}
		if err := b.enrichRecipe(ctx, r, recipe, repo.String("bintray")); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (b *Bintray) enrichRecipe(ctx context.Context, r, recipe record.Record, path string) error {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return errors.DataError("repo.bintray must be owner/repo/package, got " + path)
	}
	subjectRepo := parts[0] + "/" + parts[1]
	recipe.SetUnlessPresent("remote", bintrayConanRemote+subjectRepo)
	pkgName, user, hasUser := strings.Cut(parts[2], ":")
	recipe.SetUnlessPresent("package", pkgName)
	if hasUser {
		recipe.SetUnlessPresent("user", user)
	}

	var latest bintrayVersion
	if err := b.fetch(ctx, "/packages/"+path+"/versions/_latest", b.opts.MaxAge, &latest); err != nil {
		return err
	}
	if latest.Name != "" {
		name, channel, _ := strings.Cut(latest.Name, ":")
		recipe.SetUnlessPresent("versions", []any{map[string]any{"name": name, "channel": channel}})
	}

	var pkg bintrayPackage
	if err := b.fetch(ctx, "/packages/"+path, b.opts.PackageMaxAge, &pkg); err != nil {
		return err
	}
	recipeURLs := recipe.Child("urls")
	setString(recipeURLs, "website", pkg.VcsURL)
	setString(recipeURLs, "issues", pkg.IssueTrackerURL)

	urls := r.Child("urls")
	setString(urls, "website", pkg.WebsiteURL)
	if website := urls.String("website"); strings.Contains(website, "github.com") {
		segments := strings.Split(strings.TrimRight(website, "/"), "/")
		if len(segments) >= 2 {
			urls.SetUnlessPresent("github", strings.Join(segments[len(segments)-2:], "/"))
		}
	}
	setString(r, "description", pkg.Desc)
	r.Append("keywords", stringsToAny(pkg.Labels)...)
	if len(pkg.Licenses) > 0 && !r.Has("licenses") {
		licenses, err := b.licenses(ctx, pkg.Licenses)
		if err != nil {
			return err
		}
		r["licenses"] = licenses
	}
	if name, _, _ := strings.Cut(pkg.Name, ":"); name != "" {
		r.SetUnlessPresent("name", name)
	}

	return b.conanfile(ctx, r, path, subjectRepo)
}

func (b *Bintray) licenses(ctx context.Context, names []string) ([]any, error) {
	var known []bintrayLicense
	if err := b.fetch(ctx, "/licenses/oss_licenses", b.opts.MaxAge, &known); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(names))
	for _, name := range names {
		license := bintrayLicense{Name: name}
		for _, l := range known {
			if l.Name == name {
				license = l
				break
			}
		}
		value, err := toValue(license)
		if err != nil {
			return nil, err
		}
		out = append(out, value)
	}
	return out, nil
}

func (b *Bintray) conanfile(ctx context.Context, r record.Record, path, subjectRepo string) error {
	var files []bintrayFile
	if err := b.fetch(ctx, "/packages/"+path+"/files", b.opts.MaxAge, &files); err != nil {
		return err
	}
	for _, f := range files {
		if f.Name != "conanfile.py" {
			continue
		}
		conanfile := r.Child("files").Child("conanfile")
		conanfile.SetUnlessPresent("url", b.opts.DownloadURL+"/"+subjectRepo+"/"+f.Path)
		if conanfile.Has("content") {
			return nil
		}
		url := conanfile.String("url")
		var content string
		err := cached(ctx, b.store, nsBintray, url, b.opts.MaxAge, &content, func(ctx context.Context) (interface{}, error) {
			if b.exceeded.Load() {
				return nil, b.rateLimitError()
			}
			resp, err := b.src.get(ctx, url, commonhttp.RequestOptions{})
			if err != nil {
				return nil, err
			}
			return resp.Text(), nil
		})
		if err != nil {
			return err
		}
		conanfile["content"] = content
		return nil
	}
	return nil
}

// fetch reads an API path through the cache.
func (b *Bintray) fetch(ctx context.Context, path string, maxAge time.Duration, out interface{}) error {
	return cached(ctx, b.store, nsBintray, path, maxAge, out, func(ctx context.Context) (interface{}, error) {
		if b.exceeded.Load() {
			return nil, b.rateLimitError()
		}
		resp, err := b.src.get(ctx, b.src.url(path), commonhttp.RequestOptions{
			BasicAuth: []string{b.opts.Username, b.opts.APIKey},
			Inspect:   b.inspect,
		})
		if err != nil {
			return nil, err
		}
		var body interface{}
		if err := resp.JSON(&body); err != nil {
			return nil, err
		}
		if m, ok := body.(map[string]interface{}); ok {
			if msg, _ := m["message"].(string); strings.Contains(msg, "was not found") {
				return nil, errors.NotFoundError(path)
			}
		}
		return body, nil
	})
}

func (b *Bintray) inspect(resp *commonhttp.Response) error {
	b.src.observeQuota(resp.Header, "X-RateLimit-Limit", "X-RateLimit-Remaining")
	if resp.StatusCode == http.StatusForbidden && strings.Contains(resp.Text(), bintrayLimitText) {
		if !b.exceeded.Swap(true) {
			b.logger.Warn("Bintray API call limit exceeded", logging.Source(b.src.Name()))
		}
		return b.rateLimitError()
	}
	return nil
}

func (b *Bintray) rateLimitError() error {
	return errors.RateLimitError(b.src.Name(), "Bintray API call limit exceeded")
}
