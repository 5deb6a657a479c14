package enrichers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"
)

const boostBugsURL = "http://www.boost.org/development/bugs.html"

// stringList decodes either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type boostLibrary struct {
	Key         string     `json:"key"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Category    stringList `json:"category,omitempty"`
	Authors     stringList `json:"authors,omitempty"`
	Maintainers stringList `json:"maintainers,omitempty"`
}

// boostMeta is cached even when the library has no meta file, so the
// lookup is not repeated within the max age.
type boostMeta struct {
	Code int           `json:"code"`
	Meta *boostLibrary `json:"meta,omitempty"`
}

// Boost fills Boost libraries (ids starting with boost_) from their
// meta/libraries.json in the boostorg GitHub organisation.
type Boost struct {
	src    *Source
	store  *cache.Store
	maxAge time.Duration
	logger logging.Logger
}

// NewBoost creates the boost step
func NewBoost(src *Source, store *cache.Store, maxAge time.Duration, logger logging.Logger) *Boost {
	return &Boost{src: src, store: store, maxAge: maxAge, logger: logging.OrGlobal(logger)}
}

// Name returns the step name
func (b *Boost) Name() string {
	return "boost"
}

// Transform implements pipeline.Step
func (b *Boost) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	id := r.String("id")
	if !strings.HasPrefix(id, "boost_") {
		return r, nil
	}
	boostID := strings.TrimPrefix(id, "boost_")
	urls := r.Child("urls")
	urls.SetUnlessPresent("issues", boostBugsURL)

	metaURL := b.src.url("/" + boostID + "/develop/meta/libraries.json")
	var meta boostMeta
	err := cached(ctx, b.store, nsBoostDocs, metaURL, b.maxAge, &meta, func(ctx context.Context) (interface{}, error) {
		return b.fetchMeta(ctx, metaURL)
	})
	if err != nil {
		return nil, err
	}
	if meta.Code != http.StatusOK || meta.Meta == nil {
		b.logger.WithContext(ctx).Debug("No Boost library meta", logging.String("url", metaURL))
		return r, nil
	}

	lib := meta.Meta
	urls.SetUnlessPresent("github", "boostorg/"+boostID)
	setString(r, "description", lib.Description)

	keywords := make([]string, len(lib.Category))
	for i, c := range lib.Category {
		keywords[i] = strings.ToLower(c)
	}
	r.Append("keywords", stringsToAny(keywords)...)

	if len(lib.Maintainers) > 0 {
		for _, m := range lib.Maintainers {
			r.Append("authors", parseMaintainer(m))
		}
	} else {
		for _, a := range lib.Authors {
			r.Append("authors", map[string]any{"name": strings.TrimSpace(a)})
		}
	}
	return r, nil
}

func (b *Boost) fetchMeta(ctx context.Context, url string) (interface{}, error) {
	resp, err := b.src.get(ctx, url, commonhttp.RequestOptions{})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return boostMeta{Code: http.StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	// libraries.json holds one object, or a list for multi-library repos
	var lib boostLibrary
	if err := resp.JSON(&lib); err != nil {
		var libs []boostLibrary
		if listErr := resp.JSON(&libs); listErr != nil || len(libs) == 0 {
			return nil, errors.DataError("unexpected libraries.json shape at " + url)
		}
		lib = libs[0]
	}
	return boostMeta{Code: resp.StatusCode, Meta: &lib}, nil
}

// parseMaintainer splits "Jane Doe <jane -at- example.com>".
func parseMaintainer(s string) map[string]any {
	name, rest, found := strings.Cut(s, "<")
	author := map[string]any{"name": strings.TrimSpace(name)}
	if found {
		email := strings.TrimSuffix(strings.TrimSpace(rest), ">")
		email = strings.ReplaceAll(email, " -at- ", "@")
		author["email"] = strings.TrimSpace(email)
	}
	return author
}
