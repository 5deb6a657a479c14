package ratelimit

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Throttle limits calls to a single source
type Throttle struct {
	name    string
	config  Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

// NewThrottle creates a throttle for name
func NewThrottle(name string, config Config) (*Throttle, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	t := &Throttle{
		name:   name,
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxInFlight)),
	}
	if config.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize)
	}
	return t, nil
}

// Name returns the source name
func (t *Throttle) Name() string {
	return t.name
}

// Acquire blocks until a call slot is free and the pacing allows a call.
// Every successful Acquire must be paired with Release.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := t.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			t.sem.Release(1)
			return err
		}
	}

	n := t.inFlight.Add(1)
	t.calls.Add(1)
	for {
		peak := t.peak.Load()
		if n <= peak || t.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return nil
}

// Release frees a slot taken by Acquire
func (t *Throttle) Release() {
	t.inFlight.Add(-1)
	t.sem.Release(1)
}

// Do runs fn while holding a call slot
func (t *Throttle) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := t.Acquire(ctx); err != nil {
		return err
	}
	defer t.Release()
	return fn(ctx)
}

// Stats returns current usage counters
func (t *Throttle) Stats() Stats {
	return Stats{
		Name:         t.name,
		MaxInFlight:  t.config.MaxInFlight,
		InFlight:     t.inFlight.Load(),
		PeakInFlight: t.peak.Load(),
		Calls:        t.calls.Load(),
	}
}

// Stats describes throttle usage
type Stats struct {
	Name         string `json:"name"`
	MaxInFlight  int    `json:"max_in_flight"`
	InFlight     int64  `json:"in_flight"`
	PeakInFlight int64  `json:"peak_in_flight"`
	Calls        int64  `json:"calls"`
}

// Registry hands out one throttle per source name
type Registry struct {
	mu        sync.Mutex
	configs   map[string]Config
	throttles map[string]*Throttle
}

// NewRegistry creates a registry. Sources without a config use DefaultConfig.
func NewRegistry(configs map[string]Config) *Registry {
	return &Registry{
		configs:   configs,
		throttles: make(map[string]*Throttle),
	}
}

// Get returns the throttle for name, creating it on first use. An invalid
// config falls back to DefaultConfig.
func (r *Registry) Get(name string) *Throttle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.throttles[name]; ok {
		return t
	}
	config, ok := r.configs[name]
	if !ok {
		config = DefaultConfig()
	}
	t, err := NewThrottle(name, config)
	if err != nil {
		t, _ = NewThrottle(name, DefaultConfig())
	}
	r.throttles[name] = t
	return t
}

// Stats returns the stats of every throttle created so far, sorted by name
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.throttles))
	for _, t := range r.throttles {
		out = append(out, t.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
