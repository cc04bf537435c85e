// cmd/scheduler/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aviationwx/wxcam/internal/bus"
	"github.com/aviationwx/wxcam/internal/camera"
	"github.com/aviationwx/wxcam/internal/health"
	"github.com/aviationwx/wxcam/internal/quarantine"
	"github.com/aviationwx/wxcam/internal/store"
	"github.com/aviationwx/wxcam/internal/variant"
	"github.com/aviationwx/wxcam/pkg/schema"
)

type config struct {
	NATSURL       string
	HealthSubject string
	ReloadSubject string

	DataDir       string
	QuarantineDir string
	StateDir      string
	CameraConfig  string

	FlushInterval       time.Duration
	BackfillInterval    time.Duration
	CleanupInterval     time.Duration
	QuarantineRetention time.Duration
	VariantWorkers      int
	CounterBackend      string
}

func loadConfig() (config, error) {
	cfg := config{
		NATSURL:        getenv("NATS_URL", "nats://127.0.0.1:4222"),
		HealthSubject:  getenv("HEALTH_SUBJECT", "wxcam.health.status"),
		ReloadSubject:  getenv("RELOAD_SUBJECT", "wxcam.config.reload"),
		DataDir:        getenv("DATA_DIR", "./data/cameras"),
		QuarantineDir:  getenv("QUARANTINE_DIR", "./data/quarantine"),
		StateDir:       getenv("STATE_DIR", "./data/state"),
		CameraConfig:   getenv("CAMERA_CONFIG", "./cameras.json"),
		CounterBackend: getenv("COUNTER_BACKEND", "memory"),
	}

	flushSecs, err := parsePositiveInt(getenv("FLUSH_INTERVAL_SECONDS", "60"), "FLUSH_INTERVAL_SECONDS")
	if err != nil {
		return config{}, err
	}
	cfg.FlushInterval = time.Duration(flushSecs) * time.Second

	backfillMins, err := parsePositiveInt(getenv("BACKFILL_INTERVAL_MINUTES", "5"), "BACKFILL_INTERVAL_MINUTES")
	if err != nil {
		return config{}, err
	}
	cfg.BackfillInterval = time.Duration(backfillMins) * time.Minute

	cleanupHours, err := parsePositiveInt(getenv("CLEANUP_INTERVAL_HOURS", "24"), "CLEANUP_INTERVAL_HOURS")
	if err != nil {
		return config{}, err
	}
	cfg.CleanupInterval = time.Duration(cleanupHours) * time.Hour

	retentionDays, err := parsePositiveInt(getenv("QUARANTINE_RETENTION_DAYS", "7"), "QUARANTINE_RETENTION_DAYS")
	if err != nil {
		return config{}, err
	}
	cfg.QuarantineRetention = time.Duration(retentionDays) * 24 * time.Hour

	workers, err := parsePositiveInt(getenv("VARIANT_WORKERS", "4"), "VARIANT_WORKERS")
	if err != nil {
		return config{}, err
	}
	cfg.VariantWorkers = workers

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
	logger.Info("scheduler starting",
		"flush_interval", cfg.FlushInterval,
		"backfill_interval", cfg.BackfillInterval,
		"cleanup_interval", cfg.CleanupInterval,
		"quarantine_retention", cfg.QuarantineRetention,
	)

	registry, err := camera.LoadRegistry(cfg.CameraConfig)
	if err != nil {
		fatal(logger, "load camera registry", err, "path", cfg.CameraConfig)
	}

	st := store.New(cfg.DataDir, store.OSBackend(), logger)
	q := quarantine.New(cfg.QuarantineDir, logger)

	var counters health.Counters
	if cfg.CounterBackend == "file" {
		counters = health.NewFileCounters(cfg.StateDir + "/counters.json")
	} else {
		counters = health.NewMemCounters()
	}
	aggregator := health.NewAggregator(counters, cfg.StateDir+"/health.json", logger)

	engine := variant.NewEngine(st, aggregator, logger, variant.Config{Workers: cfg.VariantWorkers})
	defer engine.Close()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	flushTicker := time.NewTicker(cfg.FlushInterval)
	defer flushTicker.Stop()
	backfillTicker := time.NewTicker(cfg.BackfillInterval)
	defer backfillTicker.Stop()
	cleanupTicker := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopping")
			return
		case now := <-flushTicker.C:
			snap, err := aggregator.Flush(now)
			if err != nil {
				logger.Error("health flush failed", "err", err)
				continue
			}
			publishHealth(nc, cfg.HealthSubject, snap, logger)
		case <-backfillTicker.C:
			engine.Backfill(registry)
		case <-cleanupTicker.C:
			q.Cleanup(cfg.QuarantineRetention)
		}
	}
}

func publishHealth(nc *bus.Client, subject string, snap health.Snapshot, logger *slog.Logger) {
	event := schema.HealthSnapshot{
		Status:         snap.Status,
		Reason:         snap.Reason,
		GenerationRate: snap.GenerationRate,
		PromotionRate:  snap.PromotionRate,
		LastActivityAt: snap.LastActivity,
		HappenedAt:     time.Now().Unix(),
	}
	if err := nc.PublishJSON(subject, event); err != nil {
		logger.Error("publish health snapshot failed", "subject", subject, "err", err)
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
