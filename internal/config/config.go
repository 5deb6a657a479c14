// Package config loads the enrichment run configuration from environment
// variables. Values have defaults suitable for a local run; Validate reports
// malformed values and RequireCredentials reports missing upstream secrets.
//
// Environment Variables:
//
// Input and output:
//   - PACKAGES_DIR: directory of package descriptor files (default: ./packages)
//   - OUTPUT_DIR: directory receiving packages.json and packages.js (default: ./web)
//
// Cache:
//   - CACHE_FILE: durable cache snapshot path (default: ./.cache)
//   - CACHE_REDIS_ADDRESS: keep the snapshot in redis instead of a file
//   - CACHE_REDIS_PASSWORD, CACHE_REDIS_DB, CACHE_REDIS_KEY
//   - CACHE_SAVE_SCHEDULE: periodic save schedule (default: @every 2m, empty disables)
//   - MAX_AGE_<NAME>: override a cache max age, e.g. MAX_AGE_GITHUB_REPO=3h or MAX_AGE_GITLAB=14d
//
// Concurrency:
//   - MAX_WORKERS: worker pool cap (default: 32)
//   - SOURCE_MAX_IN_FLIGHT: default concurrent calls per source (default: 15)
//   - <SOURCE>_MAX_IN_FLIGHT, <SOURCE>_RPS, <SOURCE>_BURST: per-source overrides
//   - DEV_MODE: publish the successful subset instead of failing the batch (default: false)
//   - DISABLED_SOURCES: comma separated sources whose steps are not run
//
// Upstream:
//   - HTTP_TIMEOUT (default: 30s), HTTP_RETRIES (default: 3)
//   - HTTP_USER_AGENT (default: conan-inquiry)
//   - BREAKER_MAX_FAILURES (default: 5), BREAKER_OPEN_TIMEOUT (default: 30s)
//   - GITHUB_TOKEN, GITHUB_API_URL
//   - GITLAB_<HOST>_TOKEN, e.g. GITLAB_GITLAB_COM_TOKEN
//   - BINTRAY_USERNAME, BINTRAY_API_KEY, BINTRAY_API_URL
//   - TRAVIS_API_URL, BOOST_META_URL
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/utils"
	"conan-inquiry/internal/common/validation"
)

// Source names
const (
	SourceGitHub  = "github"
	SourceGitLab  = "gitlab"
	SourceBintray = "bintray"
	SourceTravis  = "travis"
	SourceBoost   = "boost"
	SourceReadme  = "readme"
)

// Sources lists every upstream source in chain order.
var Sources = []string{SourceBoost, SourceBintray, SourceGitHub, SourceTravis, SourceGitLab, SourceReadme}

// DefaultMaxAges holds the freshness window of each cache namespace.
var DefaultMaxAges = map[string]time.Duration{
	"github_repo":     6 * time.Hour,
	"github_readme":   12 * time.Hour,
	"github_travis":   24 * time.Hour,
	"gitlab":          7 * 24 * time.Hour,
	"bintray":         7 * 24 * time.Hour,
	"bintray_package": 24 * time.Hour,
	"boost_docs":      24 * time.Hour,
	"rendered_readme": 24 * time.Hour,
}

// SourceConfig carries the throttling settings of one upstream source.
type SourceConfig struct {
	Name              string  `validate:"required,source_name"`
	MaxInFlight       int     `validate:"min=1"`
	RequestsPerSecond float64 `validate:"min=0"`
	Burst             int     `validate:"min=0"`
}

// Config holds all configuration values for an enrichment run.
type Config struct {
	PackagesDir string `env:"PACKAGES_DIR" validate:"required"`
	OutputDir   string `env:"OUTPUT_DIR" validate:"required"`
	LogLevel    string `env:"LOG_LEVEL"`

	CacheFile          string `env:"CACHE_FILE"`
	CacheRedisAddress  string `env:"CACHE_REDIS_ADDRESS" validate:"omitempty,hostname_port"`
	CacheRedisPassword string `env:"CACHE_REDIS_PASSWORD"`
	CacheRedisDB       int    `env:"CACHE_REDIS_DB" validate:"min=0,max=15"`
	CacheRedisKey      string `env:"CACHE_REDIS_KEY" validate:"required"`
	CacheSaveSchedule  string `env:"CACHE_SAVE_SCHEDULE" validate:"omitempty,cron_schedule"`
	MaxAges            map[string]time.Duration

	MaxWorkers      int  `env:"MAX_WORKERS" validate:"min=1"`
	DevMode         bool `env:"DEV_MODE"`
	DisabledSources []string
	Sources         map[string]SourceConfig `validate:"dive"`

	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT"`
	HTTPRetries        int           `env:"HTTP_RETRIES" validate:"min=0,max=10"`
	HTTPUserAgent      string        `env:"HTTP_USER_AGENT" validate:"required"`
	BreakerMaxFailures int           `env:"BREAKER_MAX_FAILURES" validate:"min=1"`
	BreakerOpenTimeout time.Duration `env:"BREAKER_OPEN_TIMEOUT"`

	GitHubToken     string `env:"GITHUB_TOKEN"`
	GitHubAPIURL    string `env:"GITHUB_API_URL" validate:"required,url"`
	BintrayUsername string `env:"BINTRAY_USERNAME"`
	BintrayAPIKey   string `env:"BINTRAY_API_KEY"`
	BintrayAPIURL   string `env:"BINTRAY_API_URL" validate:"required,url"`
	TravisAPIURL    string `env:"TRAVIS_API_URL" validate:"required,url"`
	BoostMetaURL    string `env:"BOOST_META_URL" validate:"required,url"`

	parseErrs []string
}

// Load creates a new Config from environment variables, using defaults for
// anything unset. Malformed numbers and durations are reported by Validate.
func Load() *Config {
	c := &Config{
		PackagesDir: getEnv("PACKAGES_DIR", "./packages"),
		OutputDir:   getEnv("OUTPUT_DIR", "./web"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		CacheFile:          getEnv("CACHE_FILE", "./.cache"),
		CacheRedisAddress:  getEnv("CACHE_REDIS_ADDRESS", ""),
		CacheRedisPassword: getEnv("CACHE_REDIS_PASSWORD", ""),
		CacheRedisKey:      getEnv("CACHE_REDIS_KEY", "conan-inquiry:cache"),
		CacheSaveSchedule:  os.Getenv("CACHE_SAVE_SCHEDULE"),

		HTTPUserAgent: getEnv("HTTP_USER_AGENT", "conan-inquiry"),

		DevMode:         getBoolEnv("DEV_MODE", false),
		DisabledSources: splitList(os.Getenv("DISABLED_SOURCES")),

		GitHubToken:     os.Getenv("GITHUB_TOKEN"),
		GitHubAPIURL:    strings.TrimRight(getEnv("GITHUB_API_URL", "https://api.github.com"), "/"),
		BintrayUsername: os.Getenv("BINTRAY_USERNAME"),
		BintrayAPIKey:   os.Getenv("BINTRAY_API_KEY"),
		BintrayAPIURL:   strings.TrimRight(getEnv("BINTRAY_API_URL", "https://api.bintray.com/api/v1"), "/"),
		TravisAPIURL:    strings.TrimRight(getEnv("TRAVIS_API_URL", "https://api.travis-ci.org"), "/"),
		BoostMetaURL:    strings.TrimRight(getEnv("BOOST_META_URL", "https://raw.githubusercontent.com/boostorg"), "/"),
	}
	if _, set := os.LookupEnv("CACHE_SAVE_SCHEDULE"); !set {
		c.CacheSaveSchedule = "@every 2m"
	}

	c.CacheRedisDB = c.getIntEnv("CACHE_REDIS_DB", 0)
	c.MaxWorkers = c.getIntEnv("MAX_WORKERS", 32)
	c.HTTPTimeout = c.getDurationEnv("HTTP_TIMEOUT", 30*time.Second)
	c.HTTPRetries = c.getIntEnv("HTTP_RETRIES", 3)
	c.BreakerMaxFailures = c.getIntEnv("BREAKER_MAX_FAILURES", 5)
	c.BreakerOpenTimeout = c.getDurationEnv("BREAKER_OPEN_TIMEOUT", 30*time.Second)

	c.MaxAges = make(map[string]time.Duration, len(DefaultMaxAges))
	for name, def := range DefaultMaxAges {
		c.MaxAges[name] = c.getDurationEnv("MAX_AGE_"+strings.ToUpper(name), def)
	}

	defaultInFlight := c.getIntEnv("SOURCE_MAX_IN_FLIGHT", 15)
	c.Sources = make(map[string]SourceConfig, len(Sources))
	for _, name := range Sources {
		prefix := strings.ToUpper(name) + "_"
		c.Sources[name] = SourceConfig{
			Name:              name,
			MaxInFlight:       c.getIntEnv(prefix+"MAX_IN_FLIGHT", defaultInFlight),
			RequestsPerSecond: c.getFloatEnv(prefix+"RPS", 0),
			Burst:             c.getIntEnv(prefix+"BURST", 1),
		}
	}

	return c
}

// Validate checks value ranges and formats. It does not check credentials.
func (c *Config) Validate() error {
	if len(c.parseErrs) > 0 {
		return errors.ConfigError(strings.Join(c.parseErrs, "; "))
	}
	if err := validation.ValidateStruct(c); err != nil {
		return err
	}
	if c.HTTPTimeout <= 0 {
		return errors.ConfigError("HTTP_TIMEOUT must be positive")
	}
	if c.BreakerOpenTimeout <= 0 {
		return errors.ConfigError("BREAKER_OPEN_TIMEOUT must be positive")
	}
	for name, age := range c.MaxAges {
		if age <= 0 {
			return errors.ConfigError(fmt.Sprintf("MAX_AGE_%s must be positive", strings.ToUpper(name)))
		}
	}
	for _, name := range c.DisabledSources {
		if _, ok := c.Sources[name]; !ok {
			return errors.ConfigError(fmt.Sprintf("DISABLED_SOURCES names unknown source %q", name))
		}
	}
	return nil
}

// RequireCredentials reports the first missing credential of an enabled
// source as a config error. GitLab tokens are per host and checked lazily.
func (c *Config) RequireCredentials() error {
	if c.SourceEnabled(SourceGitHub) && c.GitHubToken == "" {
		return errors.MissingConfigError("GITHUB_TOKEN")
	}
	if c.SourceEnabled(SourceBintray) {
		if c.BintrayUsername == "" {
			return errors.MissingConfigError("BINTRAY_USERNAME")
		}
		if c.BintrayAPIKey == "" {
			return errors.MissingConfigError("BINTRAY_API_KEY")
		}
	}
	return nil
}

// SourceEnabled reports whether name is not listed in DISABLED_SOURCES.
func (c *Config) SourceEnabled(name string) bool {
	for _, disabled := range c.DisabledSources {
		if disabled == name {
			return false
		}
	}
	return true
}

// MaxAge returns the configured max age for a cache namespace.
func (c *Config) MaxAge(name string) time.Duration {
	if age, ok := c.MaxAges[name]; ok {
		return age
	}
	return DefaultMaxAges[name]
}

// Source returns the throttle settings for name, falling back to a single
// in-flight call for unknown sources.
func (c *Config) Source(name string) SourceConfig {
	if sc, ok := c.Sources[name]; ok {
		return sc
	}
	return SourceConfig{Name: name, MaxInFlight: 1}
}

// SourceNames returns the configured source names, sorted.
func (c *Config) SourceNames() []string {
	names := make([]string, 0, len(c.Sources))
	for name := range c.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GitLabTokenEnv returns the variable holding the API token for host.
func GitLabTokenEnv(host string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return "GITLAB_" + strings.ToUpper(r.Replace(host)) + "_TOKEN"
}

// GitLabToken looks up the API token for host.
func GitLabToken(host string) string {
	return os.Getenv(GitLabTokenEnv(host))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func (c *Config) getIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be an integer", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) getFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a number", key))
		return defaultValue
	}
	return parsed
}

func (c *Config) getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := utils.ParseDuration(value)
	if err != nil {
		c.parseErrs = append(c.parseErrs, fmt.Sprintf("%s must be a duration such as 90s, 6h, 7d or 2w", key))
		return defaultValue
	}
	return parsed
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
