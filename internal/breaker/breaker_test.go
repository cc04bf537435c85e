package breaker

import (
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aviationwx/wxcam/internal/camera"
)

func newTestStore(t *testing.T, policy Policy) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(filepath.Join(t.TempDir(), "breaker.json"), policy, logger)
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	p := Policy{Base: 2 * time.Minute, Cap: 6 * time.Hour}

	prev := time.Duration(0)
	for failures := 1; failures <= 20; failures++ {
		d := p.Backoff(failures)
		if d < prev {
			t.Fatalf("backoff decreased at %d failures: %v < %v", failures, d, prev)
		}
		if d > p.Cap {
			t.Fatalf("backoff exceeded cap at %d failures: %v", failures, d)
		}
		prev = d
	}
	if p.Backoff(1) != 2*time.Minute {
		t.Fatalf("first backoff = %v, want base", p.Backoff(1))
	}
	if p.Backoff(20) != p.Cap {
		t.Fatalf("deep backoff = %v, want cap", p.Backoff(20))
	}
}

func TestStateTransitions(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	p := Policy{Base: time.Minute, Cap: time.Hour}

	var e Entry
	if e.StateAt(now) != Closed {
		t.Fatalf("zero entry state = %v, want closed", e.StateAt(now))
	}

	e = Failure(e, "timeout", now, p)
	if e.Failures != 1 {
		t.Fatalf("failures = %d, want 1", e.Failures)
	}
	if e.StateAt(now) != Open {
		t.Fatalf("state right after failure = %v, want open", e.StateAt(now))
	}
	if e.StateAt(e.NextAllowed) != HalfOpen {
		t.Fatalf("state at cooldown expiry = %v, want half-open", e.StateAt(e.NextAllowed))
	}

	e = Success(now)
	if e.Failures != 0 || e.StateAt(now) != Closed {
		t.Fatalf("success did not close circuit: %+v", e)
	}
}

// Five consecutive transport failures must push the cooldown out further
// than two did, and the gate must flip exactly at the allowed time.
func TestConsecutiveFailureScenario(t *testing.T) {
	s := newTestStore(t, Policy{Base: 2 * time.Minute, Cap: 6 * time.Hour})
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Unix(1_700_000_000, 0)

	var after2, after5 Entry
	for i := 1; i <= 5; i++ {
		e, err := s.ReportFailure(key, "connection timed out", now)
		if err != nil {
			t.Fatalf("ReportFailure %d: %v", i, err)
		}
		if i == 2 {
			after2 = e
		}
		if i == 5 {
			after5 = e
		}
	}

	if !after5.NextAllowed.After(after2.NextAllowed) {
		t.Fatalf("cooldown did not grow: after2=%v after5=%v", after2.NextAllowed, after5.NextAllowed)
	}

	allowed, err := s.Allow(key, after5.NextAllowed.Add(-time.Second))
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if allowed {
		t.Fatal("attempt allowed one second before cooldown expiry")
	}

	allowed, err = s.Allow(key, after5.NextAllowed)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if !allowed {
		t.Fatal("probe attempt not allowed at cooldown expiry")
	}
}

func TestHalfOpenAllowsSingleProbe(t *testing.T) {
	s := newTestStore(t, Policy{Base: time.Minute, Cap: time.Hour})
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Unix(1_700_000_000, 0)

	e, err := s.ReportFailure(key, "timeout", now)
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	probeAt := e.NextAllowed
	first, err := s.Allow(key, probeAt)
	if err != nil || !first {
		t.Fatalf("first probe: allowed=%v err=%v", first, err)
	}
	second, err := s.Allow(key, probeAt)
	if err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if second {
		t.Fatal("half-open circuit allowed a second concurrent probe")
	}
}

func TestSuccessResetsImmediately(t *testing.T) {
	s := newTestStore(t, Policy{Base: time.Hour, Cap: 6 * time.Hour})
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Unix(1_700_000_000, 0)

	if _, err := s.ReportFailure(key, "timeout", now); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if allowed, _ := s.Allow(key, now.Add(time.Second)); allowed {
		t.Fatal("open circuit allowed an attempt")
	}

	if err := s.ReportSuccess(key, now.Add(2*time.Second)); err != nil {
		t.Fatalf("ReportSuccess: %v", err)
	}
	e, found, err := s.Entry(key)
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if !found || e.Failures != 0 {
		t.Fatalf("success did not reset failure count: %+v found=%v", e, found)
	}
	if allowed, _ := s.Allow(key, now.Add(3*time.Second)); !allowed {
		t.Fatal("closed circuit blocked an attempt")
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := newTestStore(t, DefaultPolicy)
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Now()

	if _, err := s.ReportFailure(key, "timeout", now); err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Clear(); err != nil {
			t.Fatalf("Clear run %d: %v", i+1, err)
		}
	}
	table, err := s.Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if len(table) != 0 {
		t.Fatalf("state not cleared: %v", table)
	}
	if allowed, _ := s.Allow(key, now); !allowed {
		t.Fatal("cleared camera still gated")
	}
}

func TestConcurrentFailuresLoseNoUpdates(t *testing.T) {
	s := newTestStore(t, Policy{Base: time.Minute, Cap: time.Hour})
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Now()

	const writers = 16
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.ReportFailure(key, "timeout", now); err != nil {
				t.Errorf("ReportFailure: %v", err)
			}
		}()
	}
	wg.Wait()

	e, found, err := s.Entry(key)
	if err != nil || !found {
		t.Fatalf("Entry: found=%v err=%v", found, err)
	}
	if e.Failures != writers {
		t.Fatalf("lost updates: failures = %d, want %d", e.Failures, writers)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "breaker.json")
	key := camera.Key{Airport: "kspb", Index: 0}
	now := time.Unix(1_700_000_000, 0)

	first := NewStore(path, DefaultPolicy, logger)
	want, err := first.ReportFailure(key, "timeout", now)
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}

	// Capture attempts run in short-lived processes; a fresh store must see
	// the same table.
	second := NewStore(path, DefaultPolicy, logger)
	got, found, err := second.Entry(key)
	if err != nil || !found {
		t.Fatalf("Entry after reopen: found=%v err=%v", found, err)
	}
	if got.Failures != want.Failures || !got.NextAllowed.Equal(want.NextAllowed) {
		t.Fatalf("state not durable: got %+v want %+v", got, want)
	}
}
