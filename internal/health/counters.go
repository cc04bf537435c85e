// Package health converts raw pipeline event counts into an operational /
// degraded / down status without scanning logs. Fast counters absorb
// high-frequency increments; a periodic flush folds them into durable
// rolling hourly buckets.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Counter names shared by the fast stores and the aggregator.
const (
	CounterGenerationAttempts  = "generation_attempts"
	CounterGenerationSuccesses = "generation_successes"
	CounterGenerationFailures  = "generation_failures"
	CounterGenerationEvents    = "generation_events"
	CounterPromotionEvents     = "promotion_events"
	CounterPromotionSuccesses  = "promotion_successes"
	CounterPromotionFailures   = "promotion_failures"
	CounterPromotionPartial    = "promotion_partial"
)

// Counters is the fast shared counter store. Both implementations must
// never lose updates under concurrent writers; counts are interval deltas
// that SnapshotAndReset hands to the flush.
type Counters interface {
	Add(name string, delta int64) error
	// SnapshotAndReset atomically returns current values and zeroes them.
	SnapshotAndReset() (map[string]int64, error)
	// Peek returns current values without resetting.
	Peek() (map[string]int64, error)
}

// MemCounters is the in-process store: a mutex-protected map. Increments
// never block on I/O.
type MemCounters struct {
	mu sync.Mutex
	m  map[string]int64
}

func NewMemCounters() *MemCounters {
	return &MemCounters{m: make(map[string]int64)}
}

func (c *MemCounters) Add(name string, delta int64) error {
	c.mu.Lock()
	c.m[name] += delta
	c.mu.Unlock()
	return nil
}

func (c *MemCounters) SnapshotAndReset() (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.m
	c.m = make(map[string]int64)
	return out, nil
}

func (c *MemCounters) Peek() (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out, nil
}

// FileCounters is the degraded path when no shared in-memory store is
// available across worker processes: a JSON file updated read-modify-write
// under an advisory lock. Strictly slower, same no-lost-update contract.
type FileCounters struct {
	path string
	lock *flock.Flock
}

func NewFileCounters(path string) *FileCounters {
	return &FileCounters{path: path, lock: flock.New(path + ".lock")}
}

func (c *FileCounters) withLock(fn func(m map[string]int64) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("create counter directory: %w", err)
	}
	if err := c.lock.Lock(); err != nil {
		return fmt.Errorf("acquire counter lock: %w", err)
	}
	defer c.lock.Unlock()

	m := map[string]int64{}
	data, err := os.ReadFile(c.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read counters: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse counters: %w", err)
		}
	}

	dirty, err := fn(m)
	if err != nil || !dirty {
		return err
	}

	out, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode counters: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write counters: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace counters: %w", err)
	}
	return nil
}

func (c *FileCounters) Add(name string, delta int64) error {
	return c.withLock(func(m map[string]int64) (bool, error) {
		m[name] += delta
		return true, nil
	})
}

func (c *FileCounters) SnapshotAndReset() (map[string]int64, error) {
	var snap map[string]int64
	err := c.withLock(func(m map[string]int64) (bool, error) {
		snap = make(map[string]int64, len(m))
		for k, v := range m {
			snap[k] = v
			delete(m, k)
		}
		return true, nil
	})
	return snap, err
}

func (c *FileCounters) Peek() (map[string]int64, error) {
	var snap map[string]int64
	err := c.withLock(func(m map[string]int64) (bool, error) {
		snap = make(map[string]int64, len(m))
		for k, v := range m {
			snap[k] = v
		}
		return false, nil
	})
	return snap, err
}
