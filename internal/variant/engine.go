// internal/variant/engine.go
package variant

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aviationwx/wxcam/internal/camera"
	"github.com/aviationwx/wxcam/internal/health"
	"github.com/aviationwx/wxcam/internal/store"
)

// Config sizes the worker pool and its queue.
type Config struct {
	Workers   int
	QueueSize int
}

// DefaultConfig matches one encode per core-ish worker with enough queue
// headroom for a full camera sweep.
var DefaultConfig = Config{Workers: 4, QueueSize: 256}

// Engine runs variant generation on a bounded worker pool. Dispatch never
// blocks the capture path: a full queue drops the job, which is counted as
// a generation failure and picked up by the next backfill sweep.
type Engine struct {
	store  *store.Store
	health *health.Aggregator
	logger *slog.Logger
	jobs   chan Job
	wg     sync.WaitGroup
}

func NewEngine(st *store.Store, ag *health.Aggregator, logger *slog.Logger, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig.QueueSize
	}
	e := &Engine{
		store:  st,
		health: ag,
		logger: logger,
		jobs:   make(chan Job, cfg.QueueSize),
	}
	e.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.worker()
	}
	return e
}

// Close drains the queue and waits for in-flight encodes. There is no
// mid-flight cancellation of an individual encode.
func (e *Engine) Close() {
	close(e.jobs)
	e.wg.Wait()
}

// Dispatch submits a job without blocking the caller. The returned bool
// only reports whether the job was queued; encode completion is observed
// through promoted pointers and health counters.
func (e *Engine) Dispatch(job Job) bool {
	select {
	case e.jobs <- job:
		return true
	default:
		e.logger.Warn("variant queue full, dropping job",
			"camera", job.Source.Key.String(),
			"variant", job.Desc.String(),
		)
		e.health.RecordGeneration(0, 1)
		return false
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for job := range e.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		e.process(ctx, job)
		cancel()
	}
}

func (e *Engine) process(ctx context.Context, job Job) {
	logger := e.logger.With(
		"job_id", job.ID,
		"camera", job.Source.Key.String(),
		"variant", job.Desc.String(),
	)
	job.markRunning()

	if err := e.generate(ctx, &job); err != nil {
		job.markFailed(err)
		e.health.RecordGeneration(0, 1)
		logger.Error("variant generation failed", "err", err)
		return
	}
	job.markSucceeded()
	e.health.RecordGeneration(1, 1)
	logger.Info("variant promoted", "timestamp", job.Source.Timestamp)
}

func (e *Engine) generate(ctx context.Context, job *Job) error {
	info, err := os.Stat(job.Source.Path)
	if err != nil {
		return fmt.Errorf("source not readable: %w", err)
	}

	// Freshness downstream must reflect when the photo was taken, not when
	// this encode finished.
	captureTs := job.Source.Timestamp
	if captureTs == 0 {
		captureTs = info.ModTime().Unix()
	}

	enc, err := ForFormat(job.Desc.Format)
	if err != nil {
		return err
	}

	dir := e.store.CameraDir(job.Source.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create camera directory: %w", err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf(".enc-%s.%s", uuid.NewString(), job.Desc.Format.Ext()))

	if err := enc.Encode(ctx, job.Source.Path, tmpPath, job.Desc.Height, job.Desc.Format); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%s encode: %w", enc.Name(), err)
	}

	ref, err := e.store.AdoptVariant(job.Source.Key, job.Desc, captureTs, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := e.store.Promote(ref); err != nil {
		e.health.RecordPromotion(false, 0, 1)
		return err
	}
	if job.MakeCurrent {
		if err := e.store.PromoteCurrent(ref); err != nil {
			e.health.RecordPromotion(false, 1, 2)
			return err
		}
	}
	e.health.RecordPromotion(true, 1, 1)
	return nil
}

// Backfill enumerates every configured camera and dispatches jobs for
// variants that are missing or older than the promoted original. Safe to
// run on a schedule alongside live captures.
func (e *Engine) Backfill(reg *camera.Registry) int {
	dispatched := 0
	for _, cfg := range reg.All() {
		key := cfg.Key()
		orig, err := e.store.ResolveOriginal(key)
		if err != nil {
			continue
		}
		defaultDesc := DefaultServingDescriptor(cfg)
		for _, desc := range cfg.Variants() {
			ts, ok := e.store.PromotedTimestamp(key, desc)
			if ok && ts >= orig.Timestamp {
				continue
			}
			if e.Dispatch(NewJob(orig, desc, desc == defaultDesc)) {
				dispatched++
			}
		}
	}
	if dispatched > 0 {
		e.logger.Info("backfill sweep dispatched", "jobs", dispatched)
	}
	return dispatched
}

// DefaultServingDescriptor is the variant the camera's current.{ext}
// pointer follows: the configured default height in the camera's first
// configured format.
func DefaultServingDescriptor(cfg camera.Config) camera.Descriptor {
	if cfg.DefaultHeight == 0 || len(cfg.Formats) == 0 {
		return camera.Descriptor{}
	}
	return camera.Descriptor{Height: cfg.DefaultHeight, Format: cfg.Formats[0]}
}
