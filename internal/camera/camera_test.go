package camera

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		in          string
		want        Key
		shouldError bool
	}{
		{"kspb/0", Key{Airport: "kspb", Index: 0}, false},
		{"kmci/12", Key{Airport: "kmci", Index: 12}, false},
		{"kspb", Key{}, true},
		{"/3", Key{}, true},
		{"kspb/x", Key{}, true},
		{"kspb/-1", Key{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKey(tt.in)
			if tt.shouldError {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseKey(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if got.String() != tt.in {
				t.Fatalf("round trip mismatch: %q != %q", got.String(), tt.in)
			}
		})
	}
}

func TestFormatExt(t *testing.T) {
	if FormatJPEG.Ext() != "jpg" {
		t.Fatalf("jpeg ext = %q, want jpg", FormatJPEG.Ext())
	}
	if FormatWebP.Ext() != "webp" {
		t.Fatalf("webp ext = %q, want webp", FormatWebP.Ext())
	}

	f, err := FormatFromExt(".JPEG")
	if err != nil || f != FormatJPEG {
		t.Fatalf("FormatFromExt(.JPEG) = %v, %v", f, err)
	}
	if _, err := FormatFromExt("exe"); err == nil {
		t.Fatal("expected error for unknown extension")
	}
}

func TestDescriptorString(t *testing.T) {
	if got := Original(FormatJPEG).String(); got != "original.jpg" {
		t.Fatalf("original descriptor = %q", got)
	}
	if got := (Descriptor{Height: 480, Format: FormatWebP}).String(); got != "480.webp" {
		t.Fatalf("variant descriptor = %q", got)
	}
}

func writeRegistryFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cameras.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRegistry(t *testing.T) {
	path := writeRegistryFile(t, `{
		"cameras": [
			{
				"airport": "kspb",
				"index": 0,
				"source_url": "http://cam.example/kspb0.jpg",
				"heights": [480, 960],
				"formats": ["jpeg", "webp"],
				"min_width": 640,
				"min_height": 360,
				"max_frame_age_minutes": 60
			}
		]
	}`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry returned error: %v", err)
	}

	cfg, ok := reg.Lookup(Key{Airport: "kspb", Index: 0})
	if !ok {
		t.Fatal("configured camera not found")
	}
	if cfg.DefaultHeight != 480 {
		t.Fatalf("default height not derived from first height: %d", cfg.DefaultHeight)
	}

	variants := cfg.Variants()
	if len(variants) != 4 {
		t.Fatalf("expected 2x2 variant cross product, got %d", len(variants))
	}

	if _, ok := reg.Lookup(Key{Airport: "kxyz", Index: 0}); ok {
		t.Fatal("unknown camera should not resolve")
	}
}

func TestRegistryReload(t *testing.T) {
	path := writeRegistryFile(t, `{"cameras": [{"airport": "kspb", "index": 0}]}`)

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry returned error: %v", err)
	}
	if len(reg.All()) != 1 {
		t.Fatalf("expected 1 camera, got %d", len(reg.All()))
	}

	body := `{"cameras": [{"airport": "kspb", "index": 0}, {"airport": "kmci", "index": 1}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}
	if len(reg.All()) != 2 {
		t.Fatalf("expected 2 cameras after reload, got %d", len(reg.All()))
	}
}

func TestRegistryMissingAirport(t *testing.T) {
	path := writeRegistryFile(t, `{"cameras": [{"index": 0}]}`)
	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected error for camera entry without airport")
	}
}
