// internal/breaker/store.go
package breaker

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/aviationwx/wxcam/internal/camera"
)

// Store persists the backoff table in one JSON file shared by all capture
// workers. Capture attempts run in short-lived processes, so every
// read-modify-write happens under an advisory file lock; concurrent
// writers serialize instead of losing updates.
type Store struct {
	path   string
	lock   *flock.Flock
	policy Policy
	logger *slog.Logger
}

func NewStore(path string, policy Policy, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		policy: policy,
		logger: logger,
	}
}

func (s *Store) withLock(fn func(table map[string]Entry) (bool, error)) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("acquire breaker lock: %w", err)
	}
	defer s.lock.Unlock()

	table, err := s.read()
	if err != nil {
		return err
	}
	dirty, err := fn(table)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.write(table)
}

func (s *Store) read() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read breaker state: %w", err)
	}
	table := map[string]Entry{}
	if len(data) == 0 {
		return table, nil
	}
	if err := json.Unmarshal(data, &table); err != nil {
		// A corrupt state file must not wedge capture forever; start clean
		// and let failures repopulate it.
		s.logger.Error("breaker state corrupt, resetting", "path", s.path, "err", err)
		return map[string]Entry{}, nil
	}
	return table, nil
}

func (s *Store) write(table map[string]Entry) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("encode breaker state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write breaker state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace breaker state: %w", err)
	}
	return nil
}

// Allow is the single authoritative gate consulted before any transport
// call. Closed cameras pass through untouched. A half-open camera passes
// exactly once: the probe re-arms the cooldown under the lock, so
// concurrent workers racing on the same camera get one probe between them.
func (s *Store) Allow(key camera.Key, now time.Time) (bool, error) {
	allowed := false
	err := s.withLock(func(table map[string]Entry) (bool, error) {
		e := table[key.String()]
		switch e.StateAt(now) {
		case Closed:
			allowed = true
			return false, nil
		case Open:
			return false, nil
		default: // HalfOpen
			allowed = true
			e.NextAllowed = now.Add(s.policy.Base)
			e.UpdatedAt = now
			table[key.String()] = e
			return true, nil
		}
	})
	return allowed, err
}

// ReportSuccess closes the circuit for the camera.
func (s *Store) ReportSuccess(key camera.Key, now time.Time) error {
	return s.withLock(func(table map[string]Entry) (bool, error) {
		e, ok := table[key.String()]
		if !ok {
			return false, nil
		}
		if e.Failures == 0 {
			return false, nil
		}
		table[key.String()] = Success(now)
		return true, nil
	})
}

// ReportFailure records one more failure and returns the updated entry.
func (s *Store) ReportFailure(key camera.Key, reason string, now time.Time) (Entry, error) {
	var out Entry
	err := s.withLock(func(table map[string]Entry) (bool, error) {
		out = Failure(table[key.String()], reason, now, s.policy)
		table[key.String()] = out
		return true, nil
	})
	return out, err
}

// Entry returns the current record for a camera, if any.
func (s *Store) Entry(key camera.Key) (Entry, bool, error) {
	var out Entry
	var found bool
	err := s.withLock(func(table map[string]Entry) (bool, error) {
		out, found = table[key.String()]
		return false, nil
	})
	return out, found, err
}

// Table returns a copy of the whole backoff table for inspection tooling.
func (s *Store) Table() (map[string]Entry, error) {
	var out map[string]Entry
	err := s.withLock(func(table map[string]Entry) (bool, error) {
		out = make(map[string]Entry, len(table))
		for k, v := range table {
			out[k] = v
		}
		return false, nil
	})
	return out, err
}

// Clear wipes all backoff state. Idempotent; used on deployments so code
// changes to capture logic are not masked by stale failure history.
func (s *Store) Clear() error {
	return s.withLock(func(table map[string]Entry) (bool, error) {
		for k := range table {
			delete(table, k)
		}
		return true, nil
	})
}
