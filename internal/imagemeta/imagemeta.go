// Package imagemeta inspects raw frame payloads: format sniffing, pixel
// dimensions, and embedded capture timestamps.
package imagemeta

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/rwcarlsen/goexif/exif"

	"github.com/aviationwx/wxcam/internal/camera"
)

// ErrNoTimestamp means the payload carries no extractable capture time.
var ErrNoTimestamp = errors.New("no embedded capture timestamp")

// ErrUnknownFormat means the payload does not start with a recognized
// image signature.
var ErrUnknownFormat = errors.New("unrecognized image format")

// Sniff identifies the payload's encoding from its magic bytes. Airport
// cameras emit JPEG and PNG almost exclusively; GIF and WebP show up from
// push uploads. AVIF is output-only and is not accepted as input.
func Sniff(payload []byte) (camera.Format, error) {
	switch {
	case len(payload) >= 3 && payload[0] == 0xFF && payload[1] == 0xD8 && payload[2] == 0xFF:
		return camera.FormatJPEG, nil
	case len(payload) >= 8 && bytes.Equal(payload[:8], []byte("\x89PNG\r\n\x1a\n")):
		return camera.FormatPNG, nil
	case len(payload) >= 6 && (bytes.Equal(payload[:6], []byte("GIF87a")) || bytes.Equal(payload[:6], []byte("GIF89a"))):
		return camera.FormatGIF, nil
	case len(payload) >= 12 && bytes.Equal(payload[:4], []byte("RIFF")) && bytes.Equal(payload[8:12], []byte("WEBP")):
		return camera.FormatWebP, nil
	default:
		return "", ErrUnknownFormat
	}
}

// Dimensions decodes just the image header and returns width and height.
func Dimensions(payload []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return 0, 0, fmt.Errorf("decode image header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// CaptureTime extracts the frame's embedded capture timestamp from EXIF
// metadata. Returns ErrNoTimestamp when the payload has no EXIF block or
// no usable date field; the caller decides whether arrival time is an
// acceptable fallback for this camera.
func CaptureTime(payload []byte) (time.Time, error) {
	x, err := exif.Decode(bytes.NewReader(payload))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoTimestamp, err)
	}
	t, err := x.DateTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrNoTimestamp, err)
	}
	return t, nil
}
