// Package camera defines camera identity, variant descriptors, and the
// per-camera configuration registry.
package camera

import (
	"fmt"
	"strconv"
	"strings"
)

// Format is an image encoding the pipeline knows how to store or produce.
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
)

// Ext returns the filename extension used on disk for the format.
func (f Format) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// FormatFromExt maps a filename extension back to its Format.
func FormatFromExt(ext string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "jpg", "jpeg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "gif":
		return FormatGIF, nil
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAVIF, nil
	default:
		return "", fmt.Errorf("unknown image extension %q", ext)
	}
}

// Key identifies one logical camera: an airport identifier plus the index
// of the camera at that airport. Stable for the camera's configured life.
type Key struct {
	Airport string
	Index   int
}

func (k Key) String() string {
	return k.Airport + "/" + strconv.Itoa(k.Index)
}

// ParseKey parses "airport/index" strings, e.g. "kspb/0".
func ParseKey(s string) (Key, error) {
	airport, idx, ok := strings.Cut(s, "/")
	if !ok || airport == "" {
		return Key{}, fmt.Errorf("invalid camera key %q, expected airport/index", s)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return Key{}, fmt.Errorf("invalid camera index in key %q", s)
	}
	return Key{Airport: airport, Index: n}, nil
}

// OriginalHeight is the pseudo-height denoting the unmodified source frame,
// stored only in its native format.
const OriginalHeight = 0

// Descriptor names one rendition of a camera's current frame.
type Descriptor struct {
	Height int
	Format Format
}

// Original returns the descriptor for the unmodified source in format f.
func Original(f Format) Descriptor {
	return Descriptor{Height: OriginalHeight, Format: f}
}

func (d Descriptor) IsOriginal() bool { return d.Height == OriginalHeight }

func (d Descriptor) String() string {
	if d.IsOriginal() {
		return "original." + d.Format.Ext()
	}
	return fmt.Sprintf("%d.%s", d.Height, d.Format.Ext())
}
