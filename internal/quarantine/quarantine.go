// Package quarantine preserves frames that fail validation, with a reason
// and diagnostic context, instead of silently discarding them. Entries are
// write-once and expire via an age-based cleanup sweep.
package quarantine

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/aviationwx/wxcam/internal/camera"
)

// Reason classifies why a frame was rejected. Visible to operators for
// diagnosing systemic capture problems.
type Reason string

const (
	ReasonNoEXIF            Reason = "no_exif"
	ReasonInvalidDimensions Reason = "invalid_dimensions"
	ReasonTooOld            Reason = "too_old"
	ReasonStaleTimestamp    Reason = "stale_timestamp"
	ReasonCorruptPayload    Reason = "corrupt_payload"
	ReasonUnsupportedFormat Reason = "unsupported_format"
)

// Entry is the JSON sidecar written next to every quarantined payload.
type Entry struct {
	ID            string            `json:"id"`
	Camera        string            `json:"camera"`
	Reason        Reason            `json:"reason"`
	Context       map[string]string `json:"context,omitempty"`
	PayloadFile   string            `json:"payload_file"`
	PayloadBytes  int               `json:"payload_bytes"`
	QuarantinedAt int64             `json:"quarantined_at"`
}

// CleanupResult summarizes one cleanup sweep.
type CleanupResult struct {
	Deleted int
	Errors  int
}

// Store writes quarantine entries under a per-camera directory tree.
type Store struct {
	root   string
	logger *slog.Logger
}

func New(root string, logger *slog.Logger) *Store {
	return &Store{root: root, logger: logger}
}

func (s *Store) cameraDir(key camera.Key) string {
	return filepath.Join(s.root, key.Airport, strconv.Itoa(key.Index))
}

// Quarantine stores the rejected payload plus a metadata sidecar and logs
// the event. It never returns an error to the caller: a false return means
// the quarantine write itself failed and the frame is lost, which the
// caller may accept (quarantine is best-effort forensics, not durability).
func (s *Store) Quarantine(payload []byte, key camera.Key, reason Reason, context map[string]string) bool {
	dir := s.cameraDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Error("quarantine mkdir failed", "camera", key.String(), "reason", string(reason), "err", err)
		return false
	}

	now := time.Now()
	id := uuid.NewString()
	format, _ := camera.FormatFromExt(context["format"])
	ext := "bin"
	if format != "" {
		ext = format.Ext()
	}
	payloadName := fmt.Sprintf("%d_%s.%s", now.Unix(), id, ext)

	entry := Entry{
		ID:            id,
		Camera:        key.String(),
		Reason:        reason,
		Context:       context,
		PayloadFile:   payloadName,
		PayloadBytes:  len(payload),
		QuarantinedAt: now.Unix(),
	}

	payloadPath := filepath.Join(dir, payloadName)
	if err := os.WriteFile(payloadPath, payload, 0o644); err != nil {
		s.logger.Error("quarantine payload write failed", "camera", key.String(), "reason", string(reason), "err", err)
		return false
	}

	meta, err := json.MarshalIndent(entry, "", "  ")
	if err == nil {
		err = os.WriteFile(payloadPath+".json", meta, 0o644)
	}
	if err != nil {
		s.logger.Error("quarantine metadata write failed", "camera", key.String(), "reason", string(reason), "err", err)
		os.Remove(payloadPath)
		return false
	}

	s.logger.Warn("frame quarantined",
		"camera", key.String(),
		"reason", string(reason),
		"bytes", len(payload),
		"file", payloadName,
	)
	return true
}

// Cleanup deletes quarantine entries older than maxAge and removes camera
// directories left empty. Age comes from file modification time, so the
// sweep is idempotent and safe to run concurrently with new writes.
func (s *Store) Cleanup(maxAge time.Duration) CleanupResult {
	var result CleanupResult
	cutoff := time.Now().Add(-maxAge)

	var dirs []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if !os.IsNotExist(err) {
				result.Errors++
			}
			return nil
		}
		if d.IsDir() {
			if path != s.root {
				dirs = append(dirs, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			result.Errors++
			return nil
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			result.Errors++
			return nil
		}
		result.Deleted++
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		result.Errors++
	}

	// Deepest directories first so emptied parents go too.
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dirs[i])
		}
	}

	s.logger.Info("quarantine cleanup finished", "deleted", result.Deleted, "errors", result.Errors)
	return result
}
