// internal/health/aggregator.go
package health

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
	StatusDown        = "down"
)

// Thresholds for the derived status: either success ratio below downRatio
// in the trailing window means down; below degradedRatio means degraded.
const (
	downRatio     = 0.5
	degradedRatio = 0.8
)

// bucketWindow is how much trailing history the durable store retains.
const bucketWindow = 2 * time.Hour

// snapshotStaleAfter is how old a flushed snapshot may be before Status
// additionally peeks the fast counters.
const snapshotStaleAfter = 2 * time.Minute

// Bucket aggregates one UTC hour of pipeline events.
type Bucket struct {
	Hour                string `json:"hour"`
	GenerationAttempts  int64  `json:"generation_attempts"`
	GenerationSuccesses int64  `json:"generation_successes"`
	GenerationFailures  int64  `json:"generation_failures"`
	GenerationEvents    int64  `json:"generation_events"`
	PromotionEvents     int64  `json:"promotion_events"`
	PromotionSuccesses  int64  `json:"promotion_successes"`
	PromotionFailures   int64  `json:"promotion_failures"`
	PromotionPartial    int64  `json:"promotion_partial"`
}

// Snapshot is the durable last-flushed health state.
type Snapshot struct {
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	GenerationRate float64  `json:"generation_rate"`
	PromotionRate  float64  `json:"promotion_rate"`
	FlushedAt      int64    `json:"flushed_at"`
	LastActivity   int64    `json:"last_activity,omitempty"`
	Buckets        []Bucket `json:"buckets,omitempty"`
}

// Aggregator owns the fast counters and the durable rolling bucket store.
type Aggregator struct {
	counters Counters
	path     string
	logger   *slog.Logger
}

func NewAggregator(counters Counters, path string, logger *slog.Logger) *Aggregator {
	return &Aggregator{counters: counters, path: path, logger: logger}
}

// RecordGeneration counts one variant-generation batch: total attempts and
// how many of them produced a promoted variant.
func (a *Aggregator) RecordGeneration(successCount, totalCount int) {
	a.add(CounterGenerationAttempts, int64(totalCount))
	a.add(CounterGenerationSuccesses, int64(successCount))
	a.add(CounterGenerationFailures, int64(totalCount-successCount))
	a.add(CounterGenerationEvents, 1)
}

// RecordPromotion counts one promotion event. promoted < attempted with at
// least one promoted counts as partial.
func (a *Aggregator) RecordPromotion(success bool, promoted, attempted int) {
	a.add(CounterPromotionEvents, 1)
	if success {
		a.add(CounterPromotionSuccesses, 1)
	} else {
		a.add(CounterPromotionFailures, 1)
	}
	if promoted > 0 && promoted < attempted {
		a.add(CounterPromotionPartial, 1)
	}
}

func (a *Aggregator) add(name string, delta int64) {
	if err := a.counters.Add(name, delta); err != nil {
		a.logger.Warn("health counter increment failed", "counter", name, "err", err)
	}
}

func hourKey(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// Flush folds the fast counters (interval deltas) into the current UTC
// hour's bucket, prunes buckets outside the trailing window, recomputes the
// derived status, and writes the snapshot atomically. Counters are reset so
// the next interval starts clean; flushing twice with no intervening events
// yields the same durable status.
func (a *Aggregator) Flush(now time.Time) (Snapshot, error) {
	deltas, err := a.counters.SnapshotAndReset()
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot counters: %w", err)
	}

	prev, _ := a.readSnapshot()

	buckets := pruneBuckets(prev.Buckets, now)
	key := hourKey(now)
	idx := -1
	for i := range buckets {
		if buckets[i].Hour == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		buckets = append(buckets, Bucket{Hour: key})
		idx = len(buckets) - 1
	}
	mergeDeltas(&buckets[idx], deltas)

	lastActivity := prev.LastActivity
	if hasActivity(deltas) {
		lastActivity = now.Unix()
	}

	snap := deriveSnapshot(buckets, lastActivity, now)
	snap.FlushedAt = now.Unix()
	snap.Buckets = buckets

	if err := a.writeSnapshot(snap); err != nil {
		return Snapshot{}, err
	}
	a.logger.Info("health flushed",
		"status", snap.Status,
		"generation_rate", snap.GenerationRate,
		"promotion_rate", snap.PromotionRate,
	)
	return snap, nil
}

// Status is cheap enough for a request path: it reads the last flushed
// snapshot and, when that is stale or shows no activity, peeks the fast
// counters so pending events surface ahead of the next flush.
func (a *Aggregator) Status(now time.Time) Snapshot {
	snap, err := a.readSnapshot()
	stale := err != nil || now.Unix()-snap.FlushedAt > int64(snapshotStaleAfter/time.Second)
	noActivity := snap.LastActivity == 0

	if stale || noActivity {
		if pending, perr := a.counters.Peek(); perr == nil && hasActivity(pending) {
			snap.Status = StatusOperational
			snap.Reason = "activity pending flush"
			snap.LastActivity = now.Unix()
			return snap
		}
	}
	if err != nil {
		return Snapshot{Status: StatusDegraded, Reason: "no recent activity"}
	}
	return snap
}

func mergeDeltas(b *Bucket, deltas map[string]int64) {
	b.GenerationAttempts += deltas[CounterGenerationAttempts]
	b.GenerationSuccesses += deltas[CounterGenerationSuccesses]
	b.GenerationFailures += deltas[CounterGenerationFailures]
	b.GenerationEvents += deltas[CounterGenerationEvents]
	b.PromotionEvents += deltas[CounterPromotionEvents]
	b.PromotionSuccesses += deltas[CounterPromotionSuccesses]
	b.PromotionFailures += deltas[CounterPromotionFailures]
	b.PromotionPartial += deltas[CounterPromotionPartial]
}

func pruneBuckets(buckets []Bucket, now time.Time) []Bucket {
	oldest := hourKey(now.Add(-bucketWindow))
	kept := buckets[:0:0]
	for _, b := range buckets {
		if b.Hour >= oldest {
			kept = append(kept, b)
		}
	}
	return kept
}

func hasActivity(deltas map[string]int64) bool {
	for _, v := range deltas {
		if v != 0 {
			return true
		}
	}
	return false
}

// deriveSnapshot applies the status rules in precedence order: total
// stoppage first, then hard failure ratios, then gray-area ratios.
func deriveSnapshot(buckets []Bucket, lastActivity int64, now time.Time) Snapshot {
	var total Bucket
	for _, b := range buckets {
		total.GenerationAttempts += b.GenerationAttempts
		total.GenerationSuccesses += b.GenerationSuccesses
		total.GenerationFailures += b.GenerationFailures
		total.GenerationEvents += b.GenerationEvents
		total.PromotionEvents += b.PromotionEvents
		total.PromotionSuccesses += b.PromotionSuccesses
		total.PromotionFailures += b.PromotionFailures
		total.PromotionPartial += b.PromotionPartial
	}

	genRate := ratio(total.GenerationSuccesses, total.GenerationAttempts)
	promoRate := ratio(total.PromotionSuccesses, total.PromotionEvents)

	snap := Snapshot{
		GenerationRate: genRate,
		PromotionRate:  promoRate,
		LastActivity:   lastActivity,
	}

	noEvents := total.GenerationEvents == 0 && total.PromotionEvents == 0
	recentActivity := lastActivity > 0 && now.Unix()-lastActivity <= int64(bucketWindow/time.Second)

	switch {
	case noEvents && !recentActivity:
		snap.Status = StatusDegraded
		snap.Reason = "no recent activity"
	case genRate < downRatio || promoRate < downRatio:
		snap.Status = StatusDown
		snap.Reason = "success rate below 50%"
	case genRate < degradedRatio || promoRate < degradedRatio:
		snap.Status = StatusDegraded
		snap.Reason = "success rate below 80%"
	case total.PromotionFailures > 0:
		snap.Status = StatusDegraded
		snap.Reason = "promotion failures in window"
	default:
		snap.Status = StatusOperational
	}
	return snap
}

func ratio(successes, attempts int64) float64 {
	if attempts == 0 {
		return 1.0
	}
	return float64(successes) / float64(attempts)
}

func (a *Aggregator) readSnapshot() (Snapshot, error) {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse health snapshot: %w", err)
	}
	return snap, nil
}

func (a *Aggregator) writeSnapshot(snap Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create health directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode health snapshot: %w", err)
	}
	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write health snapshot: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace health snapshot: %w", err)
	}
	return nil
}
