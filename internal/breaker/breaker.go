// Package breaker gates capture attempts per camera: consecutive failures
// open the circuit for an exponentially growing cooldown; one probe attempt
// is allowed when the cooldown elapses; any success closes it again.
//
// The transition logic is pure (Entry in, Entry out) so it can be tested
// without the persistence layer.
package breaker

import "time"

// State is the derived circuit position for a camera at a point in time.
type State int

const (
	// Closed: no recorded failures, attempts always allowed.
	Closed State = iota
	// Open: cooling down, attempts must be skipped.
	Open
	// HalfOpen: cooldown elapsed, exactly one probe attempt is allowed.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Entry is the durable per-camera backoff record.
type Entry struct {
	Failures    int       `json:"failures"`
	NextAllowed time.Time `json:"next_allowed"`
	LastReason  string    `json:"last_reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Policy controls the cooldown curve: min(Base << (failures-1), Cap).
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy starts at two minutes and doubles up to six hours.
var DefaultPolicy = Policy{Base: 2 * time.Minute, Cap: 6 * time.Hour}

// Backoff returns the cooldown after the given consecutive failure count.
// Non-decreasing in failures and capped.
func (p Policy) Backoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := p.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// StateAt derives the circuit state from the entry.
func (e Entry) StateAt(now time.Time) State {
	if e.Failures == 0 {
		return Closed
	}
	if now.Before(e.NextAllowed) {
		return Open
	}
	return HalfOpen
}

// Success resets the camera to Closed. Any success wipes failure history.
func Success(now time.Time) Entry {
	return Entry{UpdatedAt: now}
}

// Failure records one more consecutive failure and computes the new
// cooldown window under the policy.
func Failure(e Entry, reason string, now time.Time, p Policy) Entry {
	failures := e.Failures + 1
	return Entry{
		Failures:    failures,
		NextAllowed: now.Add(p.Backoff(failures)),
		LastReason:  reason,
		UpdatedAt:   now,
	}
}
