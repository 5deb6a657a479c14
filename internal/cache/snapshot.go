package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"conan-inquiry/internal/common/logging"

	"github.com/robfig/cron/v3"
)

// Entry is an exported copy of a stored value.
type Entry struct {
	Value      any
	ComputedAt time.Time
}

// Snapshot is a point in time copy of the whole store.
type Snapshot map[string]map[string]Entry

type wireEntry struct {
	Value any     `json:"value"`
	Time  float64 `json:"time"`
}

// Snapshot returns a deep copy of every entry, fresh or stale.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(Snapshot, len(s.data))
	for name, ns := range s.data {
		entries := make(map[string]Entry, len(ns))
		for key, e := range ns {
			entries[key] = Entry{Value: deepCopy(e.value), ComputedAt: e.computedAt}
		}
		out[name] = entries
	}
	return out
}

// Save writes the current contents to the backend. Concurrent saves are
// serialized so an older snapshot never overwrites a newer one.
func (s *Store) Save(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	raw, err := encodeSnapshot(s.data)
	entries := countEntries(s.data)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode cache snapshot: %w", err)
	}

	if err := s.backend.Store(ctx, raw); err != nil {
		return fmt.Errorf("store cache snapshot in %s: %w", s.backend.Name(), err)
	}
	s.logger.Debug("Cache snapshot saved",
		logging.String("backend", s.backend.Name()),
		logging.Int("entries", entries),
		logging.Int("bytes", len(raw)))
	return nil
}

// StartAutoSave saves the store on the given cron schedule, for example
// "@every 2m". Save failures are logged and the schedule keeps running.
func (s *Store) StartAutoSave(schedule string) error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.autosave != nil {
		return fmt.Errorf("cache autosave already running")
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.Save(context.Background()); err != nil {
			s.logger.Error("Periodic cache save failed", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cache save schedule %q: %w", schedule, err)
	}
	c.Start()
	s.autosave = c
	s.logger.Debug("Cache autosave started", logging.String("schedule", schedule))
	return nil
}

// Close stops autosave, waiting for a running save, and saves once more.
func (s *Store) Close(ctx context.Context) error {
	s.cronMu.Lock()
	if s.autosave != nil {
		<-s.autosave.Stop().Done()
		s.autosave = nil
	}
	s.cronMu.Unlock()

	return s.Save(ctx)
}

func encodeSnapshot(data map[string]map[string]entry) ([]byte, error) {
	wire := make(map[string]map[string]wireEntry, len(data))
	for name, ns := range data {
		entries := make(map[string]wireEntry, len(ns))
		for key, e := range ns {
			entries[key] = wireEntry{Value: e.value, Time: toEpochSeconds(e.computedAt)}
		}
		wire[name] = entries
	}
	return json.Marshal(wire)
}

func decodeSnapshot(raw []byte) (map[string]map[string]entry, error) {
	var wire map[string]map[string]wireEntry
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&wire); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after snapshot")
	}

	data := make(map[string]map[string]entry, len(wire))
	for name, ns := range wire {
		if ns == nil {
			continue
		}
		entries := make(map[string]entry, len(ns))
		for key, e := range ns {
			entries[key] = entry{value: e.Value, computedAt: fromEpochSeconds(e.Time)}
		}
		data[name] = entries
	}
	return data, nil
}

func toEpochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromEpochSeconds(sec float64) time.Time {
	return time.UnixMicro(int64(math.Round(sec * 1e6)))
}
