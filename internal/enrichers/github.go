package enrichers

import (
	"context"
	stderrors "errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/record"
)

const travisWebURL = "https://travis-ci.org/"

type githubOwner struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

type githubRepo struct {
	Name        string      `json:"name"`
	FullName    string      `json:"full_name"`
	Description string      `json:"description"`
	Homepage    string      `json:"homepage"`
	HTMLURL     string      `json:"html_url"`
	CloneURL    string      `json:"clone_url"`
	HasIssues   bool        `json:"has_issues"`
	HasWiki     bool        `json:"has_wiki"`
	Stars       int         `json:"stargazers_count"`
	Forks       int         `json:"forks_count"`
	Watchers    int         `json:"subscribers_count"`
	OpenIssues  int         `json:"open_issues_count"`
	Topics      []string    `json:"topics"`
	Owner       githubOwner `json:"owner"`
}

type githubUser struct {
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Blog  string `json:"blog"`
}

type githubReadme struct {
	URL     string `json:"url"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content"`
}

type githubContributor struct {
	Total int `json:"total"`
}

type githubCommit struct {
	Commit struct {
		Committer struct {
			Date string `json:"date"`
		} `json:"committer"`
	} `json:"commit"`
}

type githubLicense struct {
	HTMLURL string `json:"html_url"`
}

// githubActivity holds the repository figures that need their own calls.
// A nil count means GitHub had no answer.
type githubActivity struct {
	OpenPRs      *int
	Commits      *int
	LatestCommit string
	License      string
}

var lastPageRe = regexp.MustCompile(`[?&]page=(\d+)[^>]*>;\s*rel="last"`)

type travisRepo struct {
	LastBuildID *float64 `json:"last_build_id"`
}

// GitHubOptions configures the github step.
type GitHubOptions struct {
	Token        string
	RepoMaxAge   time.Duration
	ReadmeMaxAge time.Duration
	TravisMaxAge time.Duration
}

// GitHub fills records whose urls.github names a repository as owner/name,
// and recipe urls derived from a recipe's own urls.github.
type GitHub struct {
	api    *Source
	travis *Source
	store  *cache.Store
	opts   GitHubOptions
	logger logging.Logger
}

// NewGitHub creates the github step. travis may be nil to skip the Travis
// CI lookup.
func NewGitHub(api, travis *Source, store *cache.Store, opts GitHubOptions, logger logging.Logger) *GitHub {
	return &GitHub{api: api, travis: travis, store: store, opts: opts, logger: logging.OrGlobal(logger)}
}

// Name returns the step name
func (g *GitHub) Name() string {
	return "github"
}

// Transform implements pipeline.Step. A repository GitHub does not know is
// logged and leaves the record unchanged.
func (g *GitHub) Transform(ctx context.Context, r record.Record) (record.Record, error) {
	if urls, ok := r.Lookup("urls"); ok && urls.String("github") != "" {
		err := g.enrichRepo(ctx, r, urls.String("github"))
		if errors.IsType(err, errors.ErrTypeNotFound) {
			g.logger.WithContext(ctx).Warn("GitHub repository not found",
				logging.String("repository", urls.String("github")), logging.Err(err))
			return r, nil
		}
		if err != nil {
			return nil, err
		}
	}

	for _, recipe := range r.Records("recipies") {
		recipeURLs, ok := recipe.Lookup("urls")
		if !ok || recipeURLs.String("github") == "" {
			continue
		}
		base := "https://github.com/" + recipeURLs.String("github")
		recipeURLs.SetUnlessPresent("website", base)
		recipeURLs.SetUnlessPresent("issues", base+"/issues")
	}
	return r, nil
}

func (g *GitHub) enrichRepo(ctx context.Context, r record.Record, id string) error {
	var repo githubRepo
	err := cached(ctx, g.store, nsGitHubRepo, id, g.opts.RepoMaxAge, &repo, func(ctx context.Context) (interface{}, error) {
		var fetched githubRepo
		if err := g.api.getJSON(ctx, g.api.url("/repos/"+id), g.request(""), &fetched); err != nil {
			return nil, err
		}
		return fetched, nil
	})
	if err != nil {
		return err
	}

	if repo.Description != r.String("name") {
		setString(r, "description", repo.Description)
	}

	urls := r.Child("urls")
	setString(urls, "website", repo.Homepage)
	setString(urls, "code", repo.HTMLURL)
	if repo.HasIssues {
		urls.SetUnlessPresent("issues", repo.HTMLURL+"/issues")
	}
	if repo.HasWiki {
		urls.SetUnlessPresent("wiki", repo.HTMLURL+"/wiki")
	}

	if g.travis != nil {
		hasTravis, err := g.hasTravis(ctx, id)
		if err != nil {
			return err
		}
		if hasTravis {
			urls.SetUnlessPresent("travis", travisWebURL+id)
		}
	}
	setString(urls, "git", repo.CloneURL)

	readme, found, err := g.readme(ctx, id, repo.HTMLURL)
	if err != nil {
		return err
	}
	if found {
		setString(urls, "readme", readme.URL)
		files := r.Child("files").Child("readme")
		setString(files, "url", readme.URL)
		setString(files, "content", readme.Content)
	}

	if _, ok := r["authors"]; !ok && repo.Owner.Login != "" {
		author, err := g.owner(ctx, repo.Owner.Login)
		if err != nil {
			return err
		}
		r["authors"] = []any{author}
	}

	stats := r.Child("stats")
	stats.SetUnlessPresent("github_issues", float64(repo.OpenIssues))
	stats.SetUnlessPresent("github_stars", float64(repo.Stars))
	stats.SetUnlessPresent("github_watchers", float64(repo.Watchers))
	stats.SetUnlessPresent("github_forks", float64(repo.Forks))

	activity, err := g.activity(ctx, id)
	if err != nil {
		return err
	}
	if activity.OpenPRs != nil {
		stats.SetUnlessPresent("github_prs", float64(*activity.OpenPRs))
	}
	if activity.Commits != nil {
		stats.SetUnlessPresent("github_commits", float64(*activity.Commits))
	}
	setString(stats, "github_latest_commit", activity.LatestCommit)
	setString(r, "license", activity.License)

	r.Append("keywords", stringsToAny(repo.Topics)...)
	return nil
}

func (g *GitHub) activity(ctx context.Context, id string) (githubActivity, error) {
	var a githubActivity
	var err error
	if a.OpenPRs, err = g.openPullRequests(ctx, id); err != nil {
		return a, err
	}
	if a.Commits, err = g.commitCount(ctx, id); err != nil {
		return a, err
	}
	if a.LatestCommit, err = g.latestCommit(ctx, id); err != nil {
		return a, err
	}
	if a.License, err = g.license(ctx, id); err != nil {
		return a, err
	}
	return a, nil
}

// openPullRequests asks for one pull request per page and reads the count
// from the last page link.
func (g *GitHub) openPullRequests(ctx context.Context, id string) (*int, error) {
	var count int
	err := cached(ctx, g.store, nsGitHubRepo, id+"#pulls", g.opts.RepoMaxAge, &count, func(ctx context.Context) (interface{}, error) {
		resp, err := g.api.get(ctx, g.api.url("/repos/"+id+"/pulls?state=open&per_page=1"), g.request(""))
		if err != nil {
			return nil, err
		}
		if n, ok := lastPage(resp.Header.Get("Link")); ok {
			return n, nil
		}
		var page []map[string]any
		if err := resp.JSON(&page); err != nil {
			return nil, err
		}
		return len(page), nil
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &count, nil
}

// commitCount sums the contributor totals. GitHub answers 202 while it
// computes the statistics; that is treated as unknown and not cached.
func (g *GitHub) commitCount(ctx context.Context, id string) (*int, error) {
	var count int
	err := cached(ctx, g.store, nsGitHubRepo, id+"#contributors", g.opts.RepoMaxAge, &count, func(ctx context.Context) (interface{}, error) {
		opts := g.request("")
		opts.NoMemo = true
		resp, err := g.api.get(ctx, g.api.url("/repos/"+id+"/stats/contributors"), opts)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusAccepted || len(resp.Body) == 0 {
			return nil, errors.NotFoundError("contributor statistics for " + id)
		}
		var contributors []githubContributor
		if err := resp.JSON(&contributors); err != nil {
			return nil, err
		}
		total := 0
		for _, c := range contributors {
			total += c.Total
		}
		return total, nil
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &count, nil
}

// latestCommit returns the committer date of the newest commit. An empty
// repository answers 409 and has none.
func (g *GitHub) latestCommit(ctx context.Context, id string) (string, error) {
	var date string
	err := cached(ctx, g.store, nsGitHubRepo, id+"#commits", g.opts.RepoMaxAge, &date, func(ctx context.Context) (interface{}, error) {
		var commits []githubCommit
		err := g.api.getJSON(ctx, g.api.url("/repos/"+id+"/commits?per_page=1"), g.request(""), &commits)
		if errors.IsType(err, errors.ErrTypeNotFound) || httpStatus(err) == http.StatusConflict {
			return "", nil
		}
		if err != nil {
			return nil, err
		}
		if len(commits) == 0 {
			return "", nil
		}
		return commits[0].Commit.Committer.Date, nil
	})
	return date, err
}

// license returns the URL of the repository's license file, if any.
func (g *GitHub) license(ctx context.Context, id string) (string, error) {
	var lic githubLicense
	err := cached(ctx, g.store, nsGitHubRepo, id+"#license", g.opts.RepoMaxAge, &lic, func(ctx context.Context) (interface{}, error) {
		var fetched githubLicense
		err := g.api.getJSON(ctx, g.api.url("/repos/"+id+"/license"), g.request(""), &fetched)
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return githubLicense{}, nil
		}
		if err != nil {
			return nil, err
		}
		return fetched, nil
	})
	return lic.HTMLURL, err
}

func lastPage(link string) (int, bool) {
	m := lastPageRe.FindStringSubmatch(link)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// httpStatus returns the status an upstream error was created for, or 0.
func httpStatus(err error) int {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		return 0
	}
	status, _ := appErr.Context["status"].(int)
	return status
}

func (g *GitHub) owner(ctx context.Context, login string) (map[string]any, error) {
	var user githubUser
	err := cached(ctx, g.store, nsGitHubRepo, "users/"+login, g.opts.RepoMaxAge, &user, func(ctx context.Context) (interface{}, error) {
		var fetched githubUser
		if err := g.api.getJSON(ctx, g.api.url("/users/"+login), g.request(""), &fetched); err != nil {
			return nil, err
		}
		return fetched, nil
	})
	if err != nil {
		return nil, err
	}

	name := user.Name
	if name == "" {
		name = login
	}
	author := map[string]any{"name": name, "github": login}
	if user.Email != "" {
		author["email"] = user.Email
	}
	if user.Blog != "" {
		author["website"] = user.Blog
	}
	return author, nil
}

// readme returns the rendered readme. A repository without one is not an error.
func (g *GitHub) readme(ctx context.Context, id, repoURL string) (githubReadme, bool, error) {
	var readme githubReadme
	err := cached(ctx, g.store, nsGitHubReadme, id, g.opts.ReadmeMaxAge, &readme, func(ctx context.Context) (interface{}, error) {
		var meta struct {
			HTMLURL string `json:"html_url"`
			Path    string `json:"path"`
		}
		if err := g.api.getJSON(ctx, g.api.url("/repos/"+id+"/readme"), g.request(""), &meta); err != nil {
			return nil, err
		}
		rendered, err := g.api.get(ctx, g.api.url("/repos/"+id+"/readme"), g.request("application/vnd.github.html"))
		if err != nil {
			return nil, err
		}
		return githubReadme{
			URL:     meta.HTMLURL,
			Path:    meta.Path,
			Content: absolutizeLinks(rendered.Text(), repoURL),
		}, nil
	})
	if errors.IsType(err, errors.ErrTypeNotFound) {
		return githubReadme{}, false, nil
	}
	return readme, err == nil, err
}

// hasTravis reports whether Travis CI has ever built the repository.
func (g *GitHub) hasTravis(ctx context.Context, id string) (bool, error) {
	var repo travisRepo
	err := cached(ctx, g.store, nsGitHubTravis, id, g.opts.TravisMaxAge, &repo, func(ctx context.Context) (interface{}, error) {
		var body interface{}
		err := g.travis.getJSON(ctx, g.travis.url("/repos/"+id), commonhttp.RequestOptions{
			Headers: map[string]string{"Accept": "application/json"},
		}, &body)
		if errors.IsType(err, errors.ErrTypeNotFound) {
			return map[string]any{}, nil
		}
		return body, err
	})
	if err != nil {
		return false, err
	}
	return repo.LastBuildID != nil, nil
}

func (g *GitHub) request(accept string) commonhttp.RequestOptions {
	if accept == "" {
		accept = "application/vnd.github+json"
	}
	headers := map[string]string{"Accept": accept}
	if g.opts.Token != "" {
		headers["Authorization"] = "token " + g.opts.Token
	}
	return commonhttp.RequestOptions{Headers: headers, Inspect: g.inspect}
}

// inspect turns an exhausted quota into a rate_limit error before the
// status code is looked at.
func (g *GitHub) inspect(resp *commonhttp.Response) error {
	remaining, ok := g.api.observeQuota(resp.Header, "X-RateLimit-Limit", "X-RateLimit-Remaining")
	if !ok || remaining > 0 {
		return nil
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		return errors.RateLimitError(g.api.Name(), "API rate limit exhausted").
			WithContext("reset", resp.Header.Get("X-RateLimit-Reset"))
	}
	return nil
}
