// Package variant generates per-(height, format) renditions of promoted
// originals on a bounded worker pool. Encode failures are non-fatal: they
// are counted and left for the backfill sweep.
package variant

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/disintegration/imaging"

	"github.com/aviationwx/wxcam/internal/camera"
)

// Encoder produces one output file from a source frame. Implementations
// must write the complete output at dstPath or fail; the engine owns the
// atomic adopt-and-promote steps afterwards.
type Encoder interface {
	// Name returns the encoder name for logging.
	Name() string

	// Supports returns true if this encoder can produce the given format.
	Supports(format camera.Format) bool

	// Encode resizes srcPath to the given height (aspect preserved) and
	// writes it at dstPath in the target format. A zero height keeps the
	// source resolution (used for PNG-to-JPEG original conversion).
	Encode(ctx context.Context, srcPath, dstPath string, height int, format camera.Format) error
}

// ForFormat routes to the encoder implementation for the target format:
// native imaging for formats the Go library can write, an ffmpeg
// subprocess for webp and avif.
func ForFormat(format camera.Format) (Encoder, error) {
	switch format {
	case camera.FormatJPEG, camera.FormatPNG, camera.FormatGIF:
		return &ImagingEncoder{}, nil
	case camera.FormatWebP, camera.FormatAVIF:
		return NewFFmpegEncoder(), nil
	default:
		return nil, fmt.Errorf("no encoder for format %q", format)
	}
}

// ImagingEncoder resizes and re-encodes with the imaging library.
type ImagingEncoder struct{}

func (e *ImagingEncoder) Name() string { return "imaging" }

func (e *ImagingEncoder) Supports(format camera.Format) bool {
	switch format {
	case camera.FormatJPEG, camera.FormatPNG, camera.FormatGIF:
		return true
	}
	return false
}

func (e *ImagingEncoder) Encode(ctx context.Context, srcPath, dstPath string, height int, format camera.Format) error {
	src, err := imaging.Open(srcPath, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	out := src
	if height > 0 && src.Bounds().Dy() > height {
		out = imaging.Resize(src, 0, height, imaging.Lanczos)
	}
	if err := imaging.Save(out, dstPath, imaging.JPEGQuality(85)); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	return nil
}

// FFmpegEncoder shells out to ffmpeg for formats the imaging library
// cannot write. The subprocess runs under the job context; the caller is
// never blocked on it outside the worker pool.
type FFmpegEncoder struct{}

func NewFFmpegEncoder() *FFmpegEncoder { return &FFmpegEncoder{} }

func (e *FFmpegEncoder) Name() string { return "ffmpeg" }

func (e *FFmpegEncoder) Supports(format camera.Format) bool {
	return format == camera.FormatWebP || format == camera.FormatAVIF
}

func (e *FFmpegEncoder) Encode(ctx context.Context, srcPath, dstPath string, height int, format camera.Format) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	args := []string{"-i", srcPath}
	if height > 0 {
		// -2 keeps the width even for codecs that require it.
		args = append(args, "-vf", "scale=-2:"+strconv.Itoa(height))
	}
	switch format {
	case camera.FormatWebP:
		args = append(args, "-c:v", "libwebp", "-quality", "80")
	case camera.FormatAVIF:
		args = append(args, "-c:v", "libaom-av1", "-still-picture", "1", "-crf", "30")
	default:
		return fmt.Errorf("ffmpeg encoder does not produce %q", format)
	}
	args = append(args, "-frames:v", "1", "-y", dstPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(out, 512))
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
