// Package orchestrator runs the enrichment chain over a batch of
// descriptors on a bounded worker pool and decides whether the batch can be
// published.
//
// A rate_limit error from any record aborts the whole batch: the shared
// context is cancelled, nothing new is started and Run returns a
// *BatchError with Fatal set. Any other error, including a panic inside a
// step, only fails its own record. In strict mode one failed record fails
// the batch; in permissive mode the successful records are still returned.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"conan-inquiry/internal/cache"
	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"
	"conan-inquiry/internal/common/utils"
	"conan-inquiry/internal/descriptor"
	"conan-inquiry/internal/pipeline"
	"conan-inquiry/internal/record"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkers is the worker cap when Config.MaxWorkers is not set.
const DefaultMaxWorkers = 32

// ProgressFunc is called once per finished descriptor, from a single
// goroutine, with done counting up to total.
type ProgressFunc func(done, total int)

// Config holds orchestrator settings
type Config struct {
	MaxWorkers int
	// Permissive publishes the successful subset when some records fail.
	Permissive bool
	Logger     logging.Logger
	Progress   ProgressFunc
}

// Orchestrator runs one chain over batches of descriptors.
type Orchestrator struct {
	chain  pipeline.Step
	store  *cache.Store
	config Config
	logger logging.Logger
}

// New creates an orchestrator. store is only read for end of run
// statistics and may be nil; opening and closing it is up to the caller.
func New(chain pipeline.Step, store *cache.Store, config Config) *Orchestrator {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultMaxWorkers
	}
	return &Orchestrator{
		chain:  chain,
		store:  store,
		config: config,
		logger: logging.OrGlobal(config.Logger).WithFields(logging.String("component", "orchestrator")),
	}
}

// Run enriches every descriptor once and returns the outcomes sorted by id.
// The Result is returned even when the batch fails, for reporting.
func (o *Orchestrator) Run(ctx context.Context, descriptors []descriptor.Descriptor) (*Result, error) {
	runID := utils.NewRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := o.logger.WithContext(ctx)
	start := time.Now()
	total := len(descriptors)

	workers := min(total, o.config.MaxWorkers)
	if workers < 1 {
		workers = 1
	}
	logger.Info("Starting batch",
		logging.Int("descriptors", total),
		logging.Int("workers", workers),
		logging.Bool("permissive", o.config.Permissive))

	events := make(chan Outcome)
	collected := make(chan []Outcome)
	go o.aggregate(events, total, collected)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, d := range descriptors {
		if gctx.Err() != nil {
			break
		}
		d := d
		g.Go(func() error {
			// the batch may have been aborted while this task waited for a slot
			if gctx.Err() != nil {
				return nil
			}
			outcome, fatal := o.process(gctx, d)
			events <- outcome
			return fatal
		})
	}
	fatal := g.Wait()
	close(events)
	outcomes := <-collected

	result := o.summarize(runID, outcomes, time.Since(start))
	o.logStats(logger, result)

	if fatal == nil && ctx.Err() != nil {
		fatal = ctx.Err()
	}
	if fatal != nil {
		logger.Error("Batch aborted", fatal, logging.Int("finished", len(outcomes)), logging.Int("total", total))
		return result, &BatchError{Fatal: fatal, Failures: result.Failures}
	}
	if len(result.Failures) > 0 && !o.config.Permissive {
		return result, &BatchError{Failures: result.Failures}
	}

	result.Records = make([]record.Record, 0, len(outcomes))
	for _, out := range result.Outcomes {
		if out.Status == StatusSuccess {
			result.Records = append(result.Records, out.Record)
		}
	}
	return result, nil
}

// aggregate owns the progress counters. It sends every outcome it received
// once events is closed.
func (o *Orchestrator) aggregate(events <-chan Outcome, total int, collected chan<- []Outcome) {
	outcomes := make([]Outcome, 0, total)
	var failed, skipped int
	for out := range events {
		outcomes = append(outcomes, out)
		switch out.Status {
		case StatusFailure:
			failed++
		case StatusSkipped:
			skipped++
		}
		if o.config.Progress != nil {
			o.config.Progress(len(outcomes), total)
		}
		o.logger.Debug("Record finished",
			logging.Record(out.ID),
			logging.String("status", string(out.Status)),
			logging.Int("done", len(outcomes)),
			logging.Int("total", total),
			logging.Int("failed", failed),
			logging.Int("skipped", skipped))
	}
	collected <- outcomes
}

// process runs the chain for one descriptor. Only a rate_limit error is
// returned as fatal.
func (o *Orchestrator) process(ctx context.Context, d descriptor.Descriptor) (out Outcome, fatal error) {
	if reason := d.SkipReason(); reason != "" {
		return Outcome{ID: d.ID, Status: StatusSkipped, Reason: reason}, nil
	}

	ctx = logging.ContextWithRecord(ctx, d.ID)
	logger := o.logger.WithContext(ctx)
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err := errors.InternalError(fmt.Sprintf("panic: %v", p), nil)
			logger.Error("Step panicked", err, logging.String("stack", string(debug.Stack())))
			out = Outcome{ID: d.ID, Status: StatusFailure, Err: err, Duration: time.Since(start)}
			fatal = nil
		}
	}()

	r := d.Data.Clone()
	if r == nil {
		r = record.Record{}
	}
	r["id"] = d.ID

	logger.Debug("Enriching record")
	enriched, err := o.chain.Transform(ctx, r)
	duration := time.Since(start)
	if err != nil {
		out = Outcome{ID: d.ID, Status: StatusFailure, Err: err, Duration: duration}
		if errors.IsFatal(err) {
			return out, err
		}
		if stderrors.Is(err, context.Canceled) && ctx.Err() != nil {
			logger.Debug("Record cancelled", logging.Err(err))
			return out, nil
		}
		logger.Error("Record failed", err, logging.Duration("duration", duration))
		return out, nil
	}
	if enriched == nil {
		enriched = r
	}
	return Outcome{ID: d.ID, Status: StatusSuccess, Record: enriched, Duration: duration}, nil
}

func (o *Orchestrator) summarize(runID string, outcomes []Outcome, duration time.Duration) *Result {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ID < outcomes[j].ID })
	result := &Result{RunID: runID, Outcomes: outcomes, Duration: duration}
	for _, out := range outcomes {
		switch out.Status {
		case StatusFailure:
			result.Failures = append(result.Failures, out)
		case StatusSkipped:
			result.Skipped = append(result.Skipped, out)
		}
	}
	return result
}

func (o *Orchestrator) logStats(logger logging.Logger, result *Result) {
	fields := []logging.Field{
		logging.Int("outcomes", len(result.Outcomes)),
		logging.Int("failed", len(result.Failures)),
		logging.Int("skipped", len(result.Skipped)),
		logging.Duration("duration", result.Duration),
	}
	if o.store != nil {
		stats := o.store.Stats()
		fields = append(fields,
			logging.Int64("cache_hits", stats.Hits),
			logging.Int64("cache_misses", stats.Misses),
			logging.Int64("cache_computes", stats.Computes),
			logging.Int64("cache_failures", stats.Failures),
			logging.Int("cache_entries", o.store.Len()))
	}
	logger.Info("Batch finished", fields...)
}
