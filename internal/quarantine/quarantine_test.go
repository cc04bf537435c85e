package quarantine

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aviationwx/wxcam/internal/camera"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(root, logger), root
}

func TestQuarantineWritesPayloadAndSidecar(t *testing.T) {
	s, root := newTestStore(t)
	key := camera.Key{Airport: "kspb", Index: 0}
	payload := []byte("not-really-a-jpeg")

	ok := s.Quarantine(payload, key, ReasonNoEXIF, map[string]string{
		"format": "jpg",
		"error":  "no EXIF block",
	})
	if !ok {
		t.Fatal("Quarantine returned false")
	}

	dir := filepath.Join(root, "kspb", "0")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read quarantine dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected payload + sidecar, got %d files", len(entries))
	}

	var sidecar string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			sidecar = filepath.Join(dir, e.Name())
		}
	}
	if sidecar == "" {
		t.Fatal("metadata sidecar not written")
	}

	data, err := os.ReadFile(sidecar)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	if entry.Reason != ReasonNoEXIF {
		t.Fatalf("reason = %q, want no_exif", entry.Reason)
	}
	if entry.Camera != "kspb/0" {
		t.Fatalf("camera = %q, want kspb/0", entry.Camera)
	}
	if entry.PayloadBytes != len(payload) {
		t.Fatalf("payload bytes = %d, want %d", entry.PayloadBytes, len(payload))
	}

	got, err := os.ReadFile(filepath.Join(dir, entry.PayloadFile))
	if err != nil {
		t.Fatalf("read quarantined payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatal("quarantined payload does not match input")
	}
}

func TestCleanupDeletesOnlyExpiredEntries(t *testing.T) {
	s, root := newTestStore(t)
	key := camera.Key{Airport: "kspb", Index: 0}

	if !s.Quarantine([]byte("old"), key, ReasonTooOld, nil) {
		t.Fatal("quarantine old frame failed")
	}
	dir := filepath.Join(root, "kspb", "0")
	oldFiles, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	aged := time.Now().Add(-8 * 24 * time.Hour)
	for _, f := range oldFiles {
		path := filepath.Join(dir, f.Name())
		if err := os.Chtimes(path, aged, aged); err != nil {
			t.Fatalf("age file: %v", err)
		}
	}

	key2 := camera.Key{Airport: "kmci", Index: 1}
	if !s.Quarantine([]byte("fresh"), key2, ReasonCorruptPayload, nil) {
		t.Fatal("quarantine fresh frame failed")
	}

	result := s.Cleanup(7 * 24 * time.Hour)
	if result.Errors != 0 {
		t.Fatalf("cleanup errors: %d", result.Errors)
	}
	if result.Deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (payload + sidecar)", result.Deleted)
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("emptied camera directory not removed")
	}
	freshDir := filepath.Join(root, "kmci", "1")
	entries, err := os.ReadDir(freshDir)
	if err != nil || len(entries) != 2 {
		t.Fatalf("fresh entry disturbed: %v (%d files)", err, len(entries))
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)

	first := s.Cleanup(7 * 24 * time.Hour)
	second := s.Cleanup(7 * 24 * time.Hour)
	if first.Deleted != 0 || second.Deleted != 0 {
		t.Fatalf("cleanup on empty store deleted files: %+v %+v", first, second)
	}
}
