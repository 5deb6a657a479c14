package enrichers

import (
	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/circuitbreaker"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/common/ratelimit"
	"conan-inquiry/internal/config"
	"conan-inquiry/internal/pipeline"
)

// Env is what the steps of a run share.
type Env struct {
	Config    *config.Config
	Store     *cache.Store
	Client    *commonhttp.Client
	Throttles *ratelimit.Registry
	Logger    logging.Logger
	// GitLabEndpoint overrides the API root per GitLab host.
	GitLabEndpoint func(host string) string
}

// NewSource creates the source called name with its throttle from the
// registry and a fresh breaker.
func (e *Env) NewSource(name, baseURL string) *Source {
	var throttle *ratelimit.Throttle
	if e.Throttles != nil {
		throttle = e.Throttles.Get(name)
	}
	breaker := circuitbreaker.New(name, circuitbreaker.Config{
		MaxFailures:           e.Config.BreakerMaxFailures,
		Timeout:               e.Config.BreakerOpenTimeout,
		MaxConcurrentRequests: 1,
	}, e.Logger)
	return NewSource(name, baseURL, e.Client, throttle, breaker, e.Logger)
}

// Build assembles the default chain. Steps of disabled sources are left
// out; the returned sources are the ones the chain talks to.
func Build(env *Env) (*pipeline.Chain, []*Source) {
	cfg := env.Config
	var steps []pipeline.Step
	var sources []*Source

	if cfg.SourceEnabled(config.SourceBoost) {
		src := env.NewSource(config.SourceBoost, cfg.BoostMetaURL)
		steps = append(steps, NewBoost(src, env.Store, cfg.MaxAge(nsBoostDocs), env.Logger))
		sources = append(sources, src)
	}

	if cfg.SourceEnabled(config.SourceBintray) {
		src := env.NewSource(config.SourceBintray, cfg.BintrayAPIURL)
		steps = append(steps, NewBintray(src, env.Store, BintrayOptions{
			Username:      cfg.BintrayUsername,
			APIKey:        cfg.BintrayAPIKey,
			MaxAge:        cfg.MaxAge(nsBintray),
			PackageMaxAge: cfg.MaxAge(nsBintrayPackage),
		}, env.Logger))
		sources = append(sources, src)
	}

	if cfg.SourceEnabled(config.SourceGitHub) {
		api := env.NewSource(config.SourceGitHub, cfg.GitHubAPIURL)
		sources = append(sources, api)
		var travis *Source
		if cfg.SourceEnabled(config.SourceTravis) {
			travis = env.NewSource(config.SourceTravis, cfg.TravisAPIURL)
			sources = append(sources, travis)
		}
		steps = append(steps, NewGitHub(api, travis, env.Store, GitHubOptions{
			Token:        cfg.GitHubToken,
			RepoMaxAge:   cfg.MaxAge(nsGitHubRepo),
			ReadmeMaxAge: cfg.MaxAge(nsGitHubReadme),
			TravisMaxAge: cfg.MaxAge(nsGitHubTravis),
		}, env.Logger))
	}

	if cfg.SourceEnabled(config.SourceGitLab) {
		src := env.NewSource(config.SourceGitLab, "")
		steps = append(steps, NewGitLab(src, env.Store, GitLabOptions{
			MaxAge:   cfg.MaxAge(nsGitLab),
			Endpoint: env.GitLabEndpoint,
		}, env.Logger))
		sources = append(sources, src)
	}

	steps = append(steps, Authors{}, ShortDescription{}, Keywords{})

	if cfg.SourceEnabled(config.SourceReadme) {
		src := env.NewSource(config.SourceReadme, "")
		steps = append(steps, NewReadme(src, env.Store, cfg.MaxAge(nsRenderedReadme)))
		sources = append(sources, src)
	}

	steps = append(steps, Temporaries{})

	chain := pipeline.NewChain(steps...).Named("enrich").WithLogger(env.Logger)
	return chain, sources
}

// Quotas returns the last quota seen by each source that reported one.
func Quotas(sources []*Source) []Quota {
	var out []Quota
	for _, s := range sources {
		if q := s.Quota(); q.Seen {
			out = append(out, q)
		}
	}
	return out
}
