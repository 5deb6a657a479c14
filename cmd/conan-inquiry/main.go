// Command conan-inquiry enriches the package descriptors in PACKAGES_DIR
// from upstream sources and writes packages.json and packages.js to
// OUTPUT_DIR.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	commonhttp "conan-inquiry/internal/common/http"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/common/ratelimit"
	"conan-inquiry/internal/common/utils"
	"conan-inquiry/internal/config"
	"conan-inquiry/internal/descriptor"
	"conan-inquiry/internal/enrichers"
	"conan-inquiry/internal/orchestrator"
	"conan-inquiry/internal/output"
	"conan-inquiry/internal/redis"

	"github.com/joho/godotenv"
)

const (
	exitOK          = 0
	exitBatchFailed = 1
	exitConfig      = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	// a missing .env file is fine
	_ = godotenv.Load()

	if err := logging.InitGlobalLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer logging.MustSync()
	logger := logging.GetGlobalLogger()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", err)
		return exitConfig
	}
	if err := cfg.RequireCredentials(); err != nil {
		logger.Error("Missing credentials", err)
		return exitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	descriptors, err := descriptor.LoadDir(cfg.PackagesDir)
	if err != nil {
		logger.Error("Failed to load descriptors", err, logging.String("dir", cfg.PackagesDir))
		return exitConfig
	}

	backend, closeBackend, err := openBackend(cfg)
	if err != nil {
		logger.Error("Failed to open cache backend", err)
		return exitConfig
	}
	defer closeBackend()

	store := cache.Open(ctx, backend, cache.WithLogger(logger))
	defer func() {
		// save even when the run was interrupted
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("Failed to save cache", err)
		}
	}()
	if cfg.CacheSaveSchedule != "" {
		if err := store.StartAutoSave(cfg.CacheSaveSchedule); err != nil {
			logger.Error("Failed to start cache autosave", err)
			return exitConfig
		}
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = cfg.HTTPRetries + 1
	client := commonhttp.NewClient(
		commonhttp.WithTimeout(cfg.HTTPTimeout),
		commonhttp.WithUserAgent(cfg.HTTPUserAgent),
		commonhttp.WithRetryConfig(retry),
		commonhttp.WithLogger(logger),
	)

	throttles := make(map[string]ratelimit.Config, len(cfg.Sources))
	for _, name := range cfg.SourceNames() {
		sc := cfg.Source(name)
		throttles[name] = ratelimit.Config{
			MaxInFlight:       sc.MaxInFlight,
			RequestsPerSecond: sc.RequestsPerSecond,
			BurstSize:         sc.Burst,
		}
	}
	registry := ratelimit.NewRegistry(throttles)

	chain, sources := enrichers.Build(&enrichers.Env{
		Config:    cfg,
		Store:     store,
		Client:    client,
		Throttles: registry,
		Logger:    logger,
	})
	logger.Info("Enrichment chain ready", logging.Strings("steps", chain.Steps()))

	orch := orchestrator.New(chain, store, orchestrator.Config{
		MaxWorkers: cfg.MaxWorkers,
		Permissive: cfg.DevMode,
		Logger:     logger,
		Progress:   progressLogger(logger),
	})
	result, runErr := orch.Run(ctx, descriptors)

	report(os.Stderr, result)
	for _, q := range enrichers.Quotas(sources) {
		logger.Info("Upstream quota",
			logging.Source(q.Source),
			logging.Int64("limit", q.Limit),
			logging.Int64("remaining", q.Remaining))
	}
	for _, src := range sources {
		if b := src.Breaker(); b != nil {
			st := b.Stats()
			logger.Debug("Source breaker",
				logging.Source(src.Name()),
				logging.String("state", st.State),
				logging.Int("failures", st.Failures),
				logging.Int("rejected", st.Rejected))
		}
	}
	for _, s := range registry.Stats() {
		logger.Debug("Source throttle",
			logging.Source(s.Name),
			logging.Int64("calls", s.Calls),
			logging.Int64("peak_in_flight", s.PeakInFlight))
	}

	if runErr != nil {
		if errors.IsFatal(runErr) {
			logger.Error("Upstream rate limit exhausted, nothing published", runErr)
		} else {
			logger.Error("Batch failed, nothing published", runErr)
		}
		return exitBatchFailed
	}

	paths, err := output.Write(ctx, cfg.OutputDir, result.Records)
	if err != nil {
		logger.Error("Failed to write output", err)
		return exitBatchFailed
	}
	logger.Info("Output written",
		logging.Strings("files", paths),
		logging.Int("records", len(result.Records)),
		logging.Duration("duration", result.Duration))
	return exitOK
}

// openBackend picks the redis backend when an address is configured and
// the snapshot file otherwise.
func openBackend(cfg *config.Config) (cache.Backend, func(), error) {
	if cfg.CacheRedisAddress == "" {
		return cache.NewFileBackend(cfg.CacheFile), func() {}, nil
	}
	client, err := redis.NewClient(&redis.Config{
		Address:  cfg.CacheRedisAddress,
		Password: cfg.CacheRedisPassword,
		DB:       cfg.CacheRedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	return cache.NewRedisBackend(client, cfg.CacheRedisKey), func() { client.Close() }, nil
}

func progressLogger(logger logging.Logger) orchestrator.ProgressFunc {
	lastPercent := -10
	return func(done, total int) {
		percent := done * 100 / total
		if percent/10 == lastPercent/10 && done != total {
			return
		}
		lastPercent = percent
		logger.Info("Progress", logging.Int("done", done), logging.Int("total", total))
	}
}

// report prints failed and skipped records for the operator.
func report(w io.Writer, result *orchestrator.Result) {
	if result == nil {
		return
	}
	for _, f := range result.Failures {
		fmt.Fprintf(w, "Error in %s: %v\n", f.ID, f.Err)
	}
	for _, s := range result.Skipped {
		fmt.Fprintf(w, "Skipped %s: %s\n", s.ID, s.Reason)
	}
	fmt.Fprintf(w, "%d published, %d failed, %d skipped\n",
		len(result.Records), len(result.Failures), len(result.Skipped))
}
