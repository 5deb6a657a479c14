package enrichers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/record"
)

// Cache namespaces. They double as max age names in config.
const (
	nsBoostDocs      = "boost_docs"
	nsBintray        = "bintray"
	nsBintrayPackage = "bintray_package"
	nsGitHubRepo     = "github_repo"
	nsGitHubReadme   = "github_readme"
	nsGitHubTravis   = "github_travis"
	nsGitLab         = "gitlab"
	nsRenderedReadme = "rendered_readme"
)

// cached returns the fresh value for (namespace, key) decoded into out,
// running compute on a miss. compute runs without the store lock held.
func cached(ctx context.Context, store *cache.Store, namespace, key string, maxAge time.Duration, out interface{}, compute func(ctx context.Context) (interface{}, error)) error {
	value, err := store.Get(ctx, namespace, key, maxAge, func(ctx context.Context) (any, error) {
		raw, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return toValue(raw)
	}, cache.Unlocked())
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return fromValue(value, out)
}

// toValue converts upstream structs to the plain value space the store accepts.
func toValue(v interface{}) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.TypeMismatchError(fmt.Sprintf("cannot store %T: %v", v, err))
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.TypeMismatchError(fmt.Sprintf("cannot store %T: %v", v, err))
	}
	return out, nil
}

func fromValue(v any, out interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.DataError(fmt.Sprintf("cached value is not JSON: %v", err))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.DataError(fmt.Sprintf("cached value has unexpected shape: %v", err))
	}
	return nil
}

// setString fills key when it is empty and s is not.
func setString(r record.Record, key, s string) {
	if s != "" {
		r.SetUnlessPresent(key, s)
	}
}

func stringsToAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

var linkRe = regexp.MustCompile(`(<a[^>]*? href=")([^"]*)(")`)

// absolutizeLinks rewrites bare relative links such as href="docs.md" so they
// point below base. Links containing a slash are left alone.
func absolutizeLinks(html, base string) string {
	base = strings.TrimRight(base, "/")
	return linkRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href := parts[2]
		if strings.Contains(href, "/") || strings.HasPrefix(href, "#") {
			return match
		}
		return parts[1] + base + "/" + href + parts[3]
	})
}
