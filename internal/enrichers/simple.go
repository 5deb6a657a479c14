package enrichers

import (
	"context"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"conan-inquiry/internal/cache"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/record"
)

// Authors joins the author names into the flat author field.
type Authors struct{}

// Name returns the step name
func (Authors) Name() string { return "authors" }

// Transform implements pipeline.Step
func (Authors) Transform(_ context.Context, r record.Record) (record.Record, error) {
	if _, ok := r["authors"]; !ok {
		r["authors"] = []any{}
	}
	var names []string
	for _, a := range r.Records("authors") {
		names = append(names, a.String("name"))
	}
	r["author"] = strings.Join(names, ", ")
	return r, nil
}

var (
	tagRe       = regexp.MustCompile(`<[/a-z][^>]*>`)
	sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*\s+`)
)

// ShortDescription derives short_description from the first sentence of the
// description, and the description from short_description when only that is
// given.
type ShortDescription struct{}

// Name returns the step name
func (ShortDescription) Name() string { return "short_description" }

// Transform implements pipeline.Step
func (ShortDescription) Transform(_ context.Context, r record.Record) (record.Record, error) {
	if r.Has("short_description") {
		r.SetUnlessPresent("description", r["short_description"])
	}
	description := r.String("description")
	if description == "" {
		return r, nil
	}
	if sentence := firstSentence(description); sentence != "" {
		r.SetUnlessPresent("short_description", tagRe.ReplaceAllString(sentence, ""))
	}
	return r, nil
}

// firstSentence cuts text after the first sentence terminator that is
// followed by whitespace and not by a lower case word, so "e.g. this" does
// not end a sentence.
func firstSentence(text string) string {
	text = strings.TrimSpace(text)
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		next, _ := utf8.DecodeRuneInString(text[loc[1]:])
		if unicode.IsLower(next) {
			continue
		}
		return strings.TrimSpace(text[:loc[1]])
	}
	return text
}

// Keywords removes duplicate keywords, keeping the first occurrence.
type Keywords struct{}

// Name returns the step name
func (Keywords) Name() string { return "keywords" }

// Transform implements pipeline.Step
func (Keywords) Transform(_ context.Context, r record.Record) (record.Record, error) {
	if _, ok := r["keywords"]; !ok {
		return r, nil
	}
	seen := make(map[string]bool)
	out := []any{}
	for _, k := range record.Strings(r["keywords"]) {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	r["keywords"] = out
	return r, nil
}

// Readme downloads the readme named by urls.readme into files.readme when
// no earlier step did.
type Readme struct {
	src    *Source
	store  *cache.Store
	maxAge time.Duration
}

// NewReadme creates the readme step
func NewReadme(src *Source, store *cache.Store, maxAge time.Duration) *Readme {
	return &Readme{src: src, store: store, maxAge: maxAge}
}

// Name returns the step name
func (s *Readme) Name() string { return "readme" }

// Transform implements pipeline.Step
func (s *Readme) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	urls, ok := r.Lookup("urls")
	if !ok || urls.String("readme") == "" {
		return r, nil
	}
	if files, ok := r.Lookup("files"); ok {
		if _, ok := files["readme"]; ok {
			return r, nil
		}
	}

	readmeURL := urls.String("readme")
	var content string
	err := cached(ctx, s.store, nsRenderedReadme, readmeURL, s.maxAge, &content, func(ctx context.Context) (interface{}, error) {
		resp, err := s.src.get(ctx, readmeURL, commonhttp.RequestOptions{})
		if err != nil {
			return nil, err
		}
		base := readmeURL[:strings.LastIndex(readmeURL, "/")+1]
		return absolutizeLinks(resp.Text(), base), nil
	})
	if err != nil {
		return nil, err
	}
	r.Child("files")["readme"] = map[string]any{"url": readmeURL, "content": content}
	return r, nil
}

// Temporaries drops every key starting with an underscore, at any depth.
type Temporaries struct{}

// Name returns the step name
func (Temporaries) Name() string { return "temporaries" }

// Transform implements pipeline.Step
func (Temporaries) Transform(_ context.Context, r record.Record) (record.Record, error) {
	return record.StripTemporaries(r).(record.Record), nil
}
