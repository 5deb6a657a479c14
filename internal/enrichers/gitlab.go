package enrichers

import (
	"context"
	"net/url"
	"strings"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/config"
	"conan-inquiry/internal/record"
)

const defaultGitLabHost = "gitlab.com"

type gitlabProject struct {
	Name                 string `json:"name"`
	Description          string `json:"description"`
	HTTPURLToRepo        string `json:"http_url_to_repo"`
	WebURL               string `json:"web_url"`
	AvatarURL            string `json:"avatar_url"`
	ForksCount           int    `json:"forks_count"`
	StarCount            int    `json:"star_count"`
	IssuesEnabled        bool   `json:"issues_enabled"`
	OpenIssuesCount      int    `json:"open_issues_count"`
	MergeRequestsEnabled bool   `json:"merge_requests_enabled"`
	Statistics           struct {
		CommitCount int `json:"commit_count"`
	} `json:"statistics"`
}

// GitLabOptions configures the gitlab step.
type GitLabOptions struct {
	MaxAge time.Duration
	// Endpoint returns the API root of a host. Nil means https://<host>/api/v4.
	Endpoint func(host string) string
	// Token returns the API token of a host. Nil reads GITLAB_<HOST>_TOKEN.
	Token func(host string) string
}

// GitLab fills records whose urls.gitlab points at a project, either as
// group/project on gitlab.com or as a URL on any GitLab host.
type GitLab struct {
	src    *Source
	store  *cache.Store
	opts   GitLabOptions
	logger logging.Logger
}

// NewGitLab creates the gitlab step
func NewGitLab(src *Source, store *cache.Store, opts GitLabOptions, logger logging.Logger) *GitLab {
	if opts.Endpoint == nil {
		opts.Endpoint = func(host string) string { return "https://" + host + "/api/v4" }
	}
	if opts.Token == nil {
		opts.Token = config.GitLabToken
	}
	return &GitLab{src: src, store: store, opts: opts, logger: logging.OrGlobal(logger)}
}

// Name returns the step name
func (g *GitLab) Name() string {
	return "gitlab"
}

// Transform implements pipeline.Step. Hosts without a token are skipped
// with a warning.
func (g *GitLab) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	urls, ok := r.Lookup("urls")
	if !ok || urls.String("gitlab") == "" {
		return r, nil
	}
	host, project, err := parseGitLabURL(urls.String("gitlab"))
	if err != nil {
		return nil, err
	}

	token := g.opts.Token(host)
	if token == "" {
		g.logger.WithContext(ctx).Warn("Missing GitLab token, skipping",
			logging.String("host", host), logging.String("variable", config.GitLabTokenEnv(host)))
		return r, nil
	}

	var proj gitlabProject
	err = cached(ctx, g.store, nsGitLab, host+"#"+project, g.opts.MaxAge, &proj, func(ctx context.Context) (interface{}, error) {
		var fetched gitlabProject
		endpoint := g.opts.Endpoint(host) + "/projects/" + url.PathEscape(project) + "?statistics=true"
		err := g.src.getJSON(ctx, endpoint, commonhttp.RequestOptions{
			Headers: map[string]string{"PRIVATE-TOKEN": token},
		}, &fetched)
		if err != nil {
			return nil, err
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}

	setString(urls, "git", proj.HTTPURLToRepo)
	setString(urls, "code", proj.WebURL)
	setString(r, "description", proj.Description)
	setString(r, "logo", proj.AvatarURL)

	stats := r.Child("stats")
	stats.SetUnlessPresent("gitlab_forks", float64(proj.ForksCount))
	stats.SetUnlessPresent("gitlab_stars", float64(proj.StarCount))
	stats.SetUnlessPresent("commits", float64(proj.Statistics.CommitCount))
	if proj.IssuesEnabled {
		stats.SetUnlessPresent("gitlab_issues", float64(proj.OpenIssuesCount))
		if proj.WebURL != "" {
			urls.SetUnlessPresent("issues", proj.WebURL+"/issues")
		}
	}
	setString(r, "name", proj.Name)
	return r, nil
}

// parseGitLabURL accepts group/project (on gitlab.com) or
// [scheme://]host/group/project[/...].
func parseGitLabURL(raw string) (host, project string, err error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	parts := strings.Split(strings.Trim(clean, "/"), "/")
	switch {
	case len(parts) == 2:
		return defaultGitLabHost, strings.Join(parts, "/"), nil
	case len(parts) >= 3:
		return parts[0], strings.Join(parts[1:3], "/"), nil
	}
	return "", "", errors.DataError("urls.gitlab must name group/project, got " + raw)
}
