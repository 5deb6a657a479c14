// Package cache implements the durable, expiry based memo store shared by all
// enrichment steps of a run.
//
// Values live under a (namespace, key) pair together with the time they were
// computed. An entry is fresh while now - computedAt < maxAge, where maxAge is
// chosen by the caller on every read. Stale entries are kept until they are
// overwritten and are never handed out as a fallback.
//
// A single mutex guards the map. Get holds it for the whole call by default,
// so at most one compute runs at a time. With the Unlocked option the mutex is
// released while compute runs; two goroutines missing the same key then both
// compute and the last write wins.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"conan-inquiry/internal/common/errors"
	"conan-inquiry/internal/common/logging"

	"github.com/robfig/cron/v3"
)

// DefaultNamespace is used when a caller passes an empty namespace.
const DefaultNamespace = "_default"

// ErrCacheMiss is returned by Get when no fresh entry exists and no compute
// function was given.
var ErrCacheMiss = errors.NotFoundError("fresh cache entry")

// ComputeFunc produces the value for a missing or stale entry.
type ComputeFunc func(ctx context.Context) (any, error)

type entry struct {
	value      any
	computedAt time.Time
}

// Stats counts store activity since Open.
type Stats struct {
	Hits     int64
	Misses   int64
	Computes int64
	Failures int64
	Writes   int64
}

// Store is the TTL cache. Open one per run and Close it after the last worker.
type Store struct {
	mu   sync.Mutex
	data map[string]map[string]entry

	saveMu  sync.Mutex
	backend Backend
	logger  logging.Logger
	now     func() time.Time

	cronMu   sync.Mutex
	autosave *cron.Cron

	hits, misses, computes, failures, writes atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// GetOption tunes a single Get call.
type GetOption func(*getOptions)

type getOptions struct {
	unlocked bool
}

// Unlocked releases the store mutex while compute runs.
func Unlocked() GetOption {
	return func(o *getOptions) { o.unlocked = true }
}

// Open creates a store and fills it from backend. A missing snapshot yields an
// empty store; so does an unreadable or corrupt one, after a warning. A nil
// backend gives a store that is never persisted.
func Open(ctx context.Context, backend Backend, opts ...Option) *Store {
	s := &Store{
		data:    make(map[string]map[string]entry),
		backend: backend,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrGlobal(s.logger).WithFields(logging.String("component", "cache"))

	if backend == nil {
		return s
	}

	raw, err := backend.Load(ctx)
	if err != nil {
		s.logger.Warn("Cache snapshot unreadable, starting empty",
			logging.String("backend", backend.Name()), logging.Err(err))
		return s
	}
	if raw == nil {
		s.logger.Info("No cache snapshot found, starting empty", logging.String("backend", backend.Name()))
		return s
	}

	data, err := decodeSnapshot(raw)
	if err != nil {
		s.logger.Warn("Cache snapshot corrupt, starting empty",
			logging.String("backend", backend.Name()), logging.Err(err))
		return s
	}
	s.data = data
	s.logger.Info("Cache snapshot loaded",
		logging.String("backend", backend.Name()),
		logging.Int("namespaces", len(data)),
		logging.Int("entries", countEntries(data)))
	return s
}

// Has reports whether a fresh entry exists.
func (s *Store) Has(namespace, key string, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.freshLocked(namespace, key, maxAge)
	return ok
}

// Lookup returns a copy of the fresh entry, if any. It never mutates the store.
func (s *Store) Lookup(namespace, key string, maxAge time.Duration) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.freshLocked(namespace, key, maxAge)
	if !ok {
		return nil, false
	}
	return deepCopy(e.value), true
}

// Get returns the fresh value for (namespace, key), computing and storing it
// when missing or stale. Without compute, a miss returns ErrCacheMiss and
// leaves the store untouched. A failing compute returns its error unchanged
// and leaves any previous entry in place. A computed value outside the
// storable value space is rejected with a type_mismatch error and not stored.
func (s *Store) Get(ctx context.Context, namespace, key string, maxAge time.Duration, compute ComputeFunc, opts ...GetOption) (any, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	namespace = normalize(namespace)

	s.mu.Lock()
	locked := true
	defer func() {
		if locked {
			s.mu.Unlock()
		}
	}()

	if e, ok := s.freshLocked(namespace, key, maxAge); ok {
		s.hits.Add(1)
		return deepCopy(e.value), nil
	}
	s.misses.Add(1)
	if compute == nil {
		return nil, ErrCacheMiss
	}
	if err := checkKey(namespace, key); err != nil {
		return nil, err
	}

	if o.unlocked {
		s.mu.Unlock()
		locked = false
	}
	s.computes.Add(1)
	value, err := compute(ctx)
	if !locked {
		s.mu.Lock()
		locked = true
	}

	if err != nil {
		s.failures.Add(1)
		s.logger.Debug("Cache compute failed", append(logging.CacheKey(namespace, key), logging.Err(err))...)
		return nil, err
	}

	canonical, err := Canonicalize(value)
	if err != nil {
		s.failures.Add(1)
		return nil, err
	}
	s.putLocked(namespace, key, canonical)
	s.logger.Debug("Cache entry computed", logging.CacheKey(namespace, key)...)
	return deepCopy(canonical), nil
}

// Set stores value unconditionally with the current time.
func (s *Store) Set(namespace, key string, value any) error {
	namespace = normalize(namespace)
	if err := checkKey(namespace, key); err != nil {
		return err
	}
	canonical, err := Canonicalize(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(namespace, key, canonical)
	return nil
}

// Remove deletes an entry. Removing a missing entry is a no-op.
func (s *Store) Remove(namespace, key string) {
	namespace = normalize(namespace)
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.data[namespace]
	if !ok {
		return
	}
	delete(ns, key)
	if len(ns) == 0 {
		delete(s.data, namespace)
	}
}

// Stats returns a copy of the activity counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Computes: s.computes.Load(),
		Failures: s.failures.Load(),
		Writes:   s.writes.Load(),
	}
}

// Len returns the number of entries, fresh or stale.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countEntries(s.data)
}

func (s *Store) freshLocked(namespace, key string, maxAge time.Duration) (entry, bool) {
	e, ok := s.data[normalize(namespace)][key]
	if !ok {
		return entry{}, false
	}
	if s.now().Sub(e.computedAt) >= maxAge {
		return entry{}, false
	}
	return e, true
}

func (s *Store) putLocked(namespace, key string, value any) {
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]entry)
		s.data[namespace] = ns
	}
	ns[key] = entry{value: value, computedAt: s.now().Truncate(time.Microsecond)}
	s.writes.Add(1)
}

func normalize(namespace string) string {
	if namespace == "" {
		return DefaultNamespace
	}
	return namespace
}

func countEntries(data map[string]map[string]entry) int {
	n := 0
	for _, ns := range data {
		n += len(ns)
	}
	return n
}
