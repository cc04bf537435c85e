// cmd/worker/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aviationwx/wxcam/internal/breaker"
	"github.com/aviationwx/wxcam/internal/bus"
	"github.com/aviationwx/wxcam/internal/camera"
	"github.com/aviationwx/wxcam/internal/health"
	"github.com/aviationwx/wxcam/internal/pipeline"
	"github.com/aviationwx/wxcam/internal/quarantine"
	"github.com/aviationwx/wxcam/internal/store"
	"github.com/aviationwx/wxcam/internal/variant"
	"github.com/aviationwx/wxcam/pkg/schema"
)

type config struct {
	NATSURL       string
	JobSubject    string
	WorkerQueue   string
	ResultSubject string
	ReloadSubject string

	DataDir       string
	QuarantineDir string
	StateDir      string
	CameraConfig  string

	VariantWorkers   int
	VariantQueueSize int
	BreakerBase      time.Duration
	BreakerCap       time.Duration
	CounterBackend   string
}

func loadConfig() (config, error) {
	cfg := config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		JobSubject:     getenv("CAPTURE_SUBJECT", "wxcam.capture.jobs"),
		WorkerQueue:    getenv("CAPTURE_QUEUE", "capture-workers"),
		ResultSubject:  getenv("RESULT_SUBJECT", "wxcam.capture.done"),
		ReloadSubject:  getenv("RELOAD_SUBJECT", "wxcam.config.reload"),
		DataDir:        getenv("DATA_DIR", "./data/cameras"),
		QuarantineDir:  getenv("QUARANTINE_DIR", "./data/quarantine"),
		StateDir:       getenv("STATE_DIR", "./data/state"),
		CameraConfig:   getenv("CAMERA_CONFIG", "./cameras.json"),
		CounterBackend: getenv("COUNTER_BACKEND", "memory"),
	}

	workers, err := parsePositiveInt(getenv("VARIANT_WORKERS", "4"), "VARIANT_WORKERS")
	if err != nil {
		return config{}, err
	}
	cfg.VariantWorkers = workers

	queueSize, err := parsePositiveInt(getenv("VARIANT_QUEUE_SIZE", "256"), "VARIANT_QUEUE_SIZE")
	if err != nil {
		return config{}, err
	}
	cfg.VariantQueueSize = queueSize

	baseMinutes, err := parsePositiveInt(getenv("BREAKER_BASE_MINUTES", "2"), "BREAKER_BASE_MINUTES")
	if err != nil {
		return config{}, err
	}
	cfg.BreakerBase = time.Duration(baseMinutes) * time.Minute

	capHours, err := parsePositiveInt(getenv("BREAKER_CAP_HOURS", "6"), "BREAKER_CAP_HOURS")
	if err != nil {
		return config{}, err
	}
	cfg.BreakerCap = time.Duration(capHours) * time.Hour

	if cfg.CounterBackend != "memory" && cfg.CounterBackend != "file" {
		return config{}, fmt.Errorf("invalid COUNTER_BACKEND %q, expected memory or file", cfg.CounterBackend)
	}
	return cfg, nil
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		fatal(logger, "load config", err)
	}
	logger.Info("worker starting",
		"nats_url", cfg.NATSURL,
		"job_subject", cfg.JobSubject,
		"queue", cfg.WorkerQueue,
		"result_subject", cfg.ResultSubject,
		"data_dir", cfg.DataDir,
	)

	registry, err := camera.LoadRegistry(cfg.CameraConfig)
	if err != nil {
		fatal(logger, "load camera registry", err, "path", cfg.CameraConfig)
	}
	logger.Info("camera registry loaded", "cameras", len(registry.All()))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fatal(logger, "ensure data directory", err, "data_dir", cfg.DataDir)
	}

	st := store.New(cfg.DataDir, store.OSBackend(), logger)
	q := quarantine.New(cfg.QuarantineDir, logger)
	breakers := breaker.NewStore(
		cfg.StateDir+"/breaker.json",
		breaker.Policy{Base: cfg.BreakerBase, Cap: cfg.BreakerCap},
		logger,
	)

	var counters health.Counters
	if cfg.CounterBackend == "file" {
		counters = health.NewFileCounters(cfg.StateDir + "/counters.json")
	} else {
		counters = health.NewMemCounters()
	}
	aggregator := health.NewAggregator(counters, cfg.StateDir+"/health.json", logger)

	engine := variant.NewEngine(st, aggregator, logger, variant.Config{
		Workers:   cfg.VariantWorkers,
		QueueSize: cfg.VariantQueueSize,
	})
	defer engine.Close()

	pipe := pipeline.New(st, q, engine, aggregator, registry, logger)

	nc, err := bus.Connect(cfg.NATSURL)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATSURL)
	}
	logger.Info("connected to NATS", "nats_url", cfg.NATSURL)
	defer nc.Close()

	_, err = nc.SubscribeJSON(cfg.ReloadSubject, func(ctx context.Context, data []byte) {
		if err := registry.Reload(); err != nil {
			logger.Error("camera registry reload failed", "err", err)
			return
		}
		logger.Info("camera registry reloaded", "cameras", len(registry.All()))
	})
	if err != nil {
		fatal(logger, "subscribe config reload", err, "subject", cfg.ReloadSubject)
	}

	_, err = nc.QueueSubscribeJSON(cfg.JobSubject, cfg.WorkerQueue, func(ctx context.Context, data []byte) error {
		return handleJob(ctx, data, cfg, pipe, breakers, nc, logger)
	})
	if err != nil {
		fatal(logger, "subscribe worker", err, "job_subject", cfg.JobSubject, "queue", cfg.WorkerQueue)
	}
	logger.Info("listening for capture jobs", "subject", cfg.JobSubject, "queue", cfg.WorkerQueue)

	select {}
}

func handleJob(ctx context.Context, data []byte, cfg config, pipe *pipeline.Pipeline, breakers *breaker.Store, nc *bus.Client, logger *slog.Logger) error {
	start := time.Now()

	var job schema.CaptureJob
	if err := json.Unmarshal(data, &job); err != nil {
		logger.Error("malformed capture job", "err", err)
		return err
	}
	key := camera.Key{Airport: job.Airport, Index: job.Camera}
	jobLogger := logger.With("job_id", job.JobID, "camera", key.String())

	allowed, err := breakers.Allow(key, start)
	if err != nil {
		jobLogger.Error("breaker gate failed", "err", err)
		return err
	}
	if !allowed {
		jobLogger.Info("capture skipped, circuit open")
		publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
			Status: schema.CaptureStatusSkipped,
			Reason: "circuit open",
		}, start)
		return nil
	}

	payload := job.Payload
	if len(payload) == 0 && job.SourcePath != "" {
		payload, err = os.ReadFile(job.SourcePath)
		if err != nil {
			// No bytes obtained: a transport failure, counted by the
			// breaker, never quarantined.
			jobLogger.Warn("source unreadable", "path", job.SourcePath, "err", err)
			if _, berr := breakers.ReportFailure(key, err.Error(), time.Now()); berr != nil {
				jobLogger.Error("breaker update failed", "err", berr)
			}
			publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
				Status:      schema.CaptureStatusFailed,
				Reason:      err.Error(),
				FailureType: schema.FailureTypeTransport,
			}, start)
			return err
		}
	}
	if len(payload) == 0 {
		err := fmt.Errorf("job %s carries no payload and no source path", job.JobID)
		jobLogger.Warn("empty capture job")
		if _, berr := breakers.ReportFailure(key, "empty job", time.Now()); berr != nil {
			jobLogger.Error("breaker update failed", "err", berr)
		}
		publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
			Status:      schema.CaptureStatusFailed,
			Reason:      err.Error(),
			FailureType: schema.FailureTypeTransport,
		}, start)
		return err
	}

	// Bytes arrived, so the camera itself is reachable.
	if err := breakers.ReportSuccess(key, time.Now()); err != nil {
		jobLogger.Error("breaker update failed", "err", err)
	}

	arrival := time.Unix(job.ArrivalAt, 0)
	if job.ArrivalAt == 0 {
		arrival = start
	}

	result, err := pipe.Ingest(ctx, key, payload, arrival)
	if err != nil {
		failureType := schema.FailureTypePromotion
		if errors.Is(err, pipeline.ErrStageFailed) {
			failureType = schema.FailureTypeStorage
		}
		jobLogger.Error("ingest failed", "err", err, "failure_type", string(failureType))
		publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
			Status:      schema.CaptureStatusFailed,
			Reason:      err.Error(),
			FailureType: failureType,
		}, start)
		return err
	}

	if result.Quarantined {
		jobLogger.Warn("frame quarantined", "reason", string(result.Reason))
		publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
			Status:      schema.CaptureStatusQuarantined,
			Reason:      string(result.Reason),
			FailureType: schema.FailureTypeValidation,
		}, start)
		return nil
	}

	variants := make([]schema.VariantRef, 0, len(result.Variants))
	for _, d := range result.Variants {
		variants = append(variants, schema.VariantRef{Height: d.Height, Format: string(d.Format)})
	}
	publishDone(nc, cfg.ResultSubject, job, schema.CaptureDone{
		Status:             schema.CaptureStatusPromoted,
		CaptureTimestamp:   result.Ref.Timestamp,
		VariantsDispatched: variants,
	}, start)
	jobLogger.Info("capture processed",
		"timestamp", result.Ref.Timestamp,
		"variants_dispatched", len(variants),
		"processing_time_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func publishDone(nc *bus.Client, subject string, job schema.CaptureJob, done schema.CaptureDone, start time.Time) {
	done.JobID = job.JobID
	done.Airport = job.Airport
	done.Camera = job.Camera
	done.ProcessingTimeMs = time.Since(start).Milliseconds()
	done.HappenedAt = time.Now().Unix()
	if err := nc.PublishJSON(subject, done); err != nil {
		slog.Error("publish result failed", "subject", subject, "job_id", job.JobID, "err", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}
