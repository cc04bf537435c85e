// Package pipeline drives a captured frame from raw bytes to promoted
// content: validation, staging, synchronous promotion of the original, and
// asynchronous variant dispatch. Rejected frames go to quarantine, never
// to the staging store.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/disintegration/imaging"

	"github.com/aviationwx/wxcam/internal/camera"
	"github.com/aviationwx/wxcam/internal/health"
	"github.com/aviationwx/wxcam/internal/imagemeta"
	"github.com/aviationwx/wxcam/internal/quarantine"
	"github.com/aviationwx/wxcam/internal/store"
	"github.com/aviationwx/wxcam/internal/variant"
)

// Internal failures are wrapped with a sentinel so callers can classify
// result events without string matching.
var (
	ErrStageFailed   = errors.New("stage frame")
	ErrPromoteFailed = errors.New("promote original")
)

// Result reports what happened to one ingested frame.
type Result struct {
	// Ref is the promoted original; zero when the frame was rejected.
	Ref store.Ref
	// Quarantined is true when validation rejected the frame.
	Quarantined bool
	Reason      quarantine.Reason
	// Variants lists the renditions dispatched to the engine.
	Variants []camera.Descriptor
}

// Pipeline wires the staging store, quarantine, variant engine, and health
// counters behind a single ingest entry point. Failures in one camera's
// flow never touch another camera: all state is keyed per camera.
type Pipeline struct {
	store      *store.Store
	quarantine *quarantine.Store
	engine     *variant.Engine
	health     *health.Aggregator
	registry   *camera.Registry
	logger     *slog.Logger
}

func New(st *store.Store, q *quarantine.Store, eng *variant.Engine, ag *health.Aggregator, reg *camera.Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:      st,
		quarantine: q,
		engine:     eng,
		health:     ag,
		registry:   reg,
		logger:     logger,
	}
}

// Ingest validates payload, stages and promotes it as the camera's current
// original, and dispatches variant generation. The call returns once the
// original is promoted; encodes complete in the background.
//
// A non-nil error means an internal failure (staging or promotion); all
// validation rejections come back as a quarantined Result with nil error.
func (p *Pipeline) Ingest(ctx context.Context, key camera.Key, payload []byte, arrival time.Time) (Result, error) {
	cfg, ok := p.registry.Lookup(key)
	if !ok {
		return Result{}, fmt.Errorf("camera %s not configured", key)
	}
	logger := p.logger.With("camera", key.String())

	format, err := imagemeta.Sniff(payload)
	if err != nil {
		return p.reject(payload, key, quarantine.ReasonUnsupportedFormat, map[string]string{
			"error": err.Error(),
		}), nil
	}

	width, height, err := imagemeta.Dimensions(payload)
	if err != nil {
		return p.reject(payload, key, quarantine.ReasonCorruptPayload, map[string]string{
			"format": format.Ext(),
			"error":  err.Error(),
		}), nil
	}
	if (cfg.MinWidth > 0 && width < cfg.MinWidth) || (cfg.MinHeight > 0 && height < cfg.MinHeight) {
		return p.reject(payload, key, quarantine.ReasonInvalidDimensions, map[string]string{
			"format": format.Ext(),
			"width":  strconv.Itoa(width),
			"height": strconv.Itoa(height),
		}), nil
	}

	captureTime, err := imagemeta.CaptureTime(payload)
	if err != nil {
		if !errors.Is(err, imagemeta.ErrNoTimestamp) || !cfg.AllowMissingTimestamp {
			return p.reject(payload, key, quarantine.ReasonNoEXIF, map[string]string{
				"format": format.Ext(),
				"error":  err.Error(),
			}), nil
		}
		captureTime = arrival
	}

	if maxAge := cfg.MaxFrameAge(); maxAge > 0 && arrival.Sub(captureTime) > maxAge {
		return p.reject(payload, key, quarantine.ReasonTooOld, map[string]string{
			"format":     format.Ext(),
			"capture_at": strconv.FormatInt(captureTime.Unix(), 10),
			"arrival_at": strconv.FormatInt(arrival.Unix(), 10),
		}), nil
	}

	captureTs := captureTime.Unix()
	if prevTs, ok := p.promotedOriginalTimestamp(key); ok && captureTs <= prevTs {
		return p.reject(payload, key, quarantine.ReasonStaleTimestamp, map[string]string{
			"format":      format.Ext(),
			"capture_at":  strconv.FormatInt(captureTs, 10),
			"promoted_at": strconv.FormatInt(prevTs, 10),
		}), nil
	}

	// PNG is never served directly; convert the original to JPEG up front.
	if format == camera.FormatPNG {
		converted, err := pngToJPEG(payload)
		if err != nil {
			return p.reject(payload, key, quarantine.ReasonCorruptPayload, map[string]string{
				"format": "png",
				"error":  err.Error(),
			}), nil
		}
		payload = converted
		format = camera.FormatJPEG
	}

	// A queued job's deadline may expire while it waits; never write
	// content for a dead job.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ref, err := p.store.Stage(key, payload, captureTs, format)
	if errors.Is(err, store.ErrDuplicateTimestamp) {
		return p.reject(payload, key, quarantine.ReasonStaleTimestamp, map[string]string{
			"format":     format.Ext(),
			"capture_at": strconv.FormatInt(captureTs, 10),
		}), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrStageFailed, err)
	}

	// Promote the original synchronously; serving a slightly larger image
	// immediately beats blocking freshness on encode latency.
	if err := p.store.Promote(ref); err != nil {
		p.health.RecordPromotion(false, 0, 1)
		return Result{}, fmt.Errorf("%w: %w", ErrPromoteFailed, err)
	}
	p.health.RecordPromotion(true, 1, 1)
	logger.Info("original promoted", "timestamp", captureTs, "format", format.Ext(), "bytes", len(payload))

	defaultDesc := variant.DefaultServingDescriptor(cfg)
	result := Result{Ref: ref}
	for _, desc := range cfg.Variants() {
		if p.engine.Dispatch(variant.NewJob(ref, desc, desc == defaultDesc)) {
			result.Variants = append(result.Variants, desc)
		}
	}
	return result, nil
}

func (p *Pipeline) reject(payload []byte, key camera.Key, reason quarantine.Reason, context map[string]string) Result {
	if ok := p.quarantine.Quarantine(payload, key, reason, context); !ok {
		p.logger.Error("quarantine write failed, frame dropped",
			"camera", key.String(),
			"reason", string(reason),
		)
	}
	return Result{Quarantined: true, Reason: reason}
}

func (p *Pipeline) promotedOriginalTimestamp(key camera.Key) (int64, bool) {
	ref, err := p.store.ResolveOriginal(key)
	if err != nil {
		return 0, false
	}
	return ref.Timestamp, true
}

func pngToJPEG(payload []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(payload), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode png: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
