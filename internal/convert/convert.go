// Package convert re-encodes images. It runs only after a request has been
// admitted and knows nothing about tenants or quotas.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for a target format we cannot encode.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrDecode is returned when the input is not a readable image.
	ErrDecode = errors.New("conversion failed")
)

// DefaultFormat is used when the caller names no target format.
const DefaultFormat = "png"

// Converter turns an encoded image into another encoding.
type Converter interface {
	Convert(ctx context.Context, src io.Reader, format string) ([]byte, error)
}

// NormalizeFormat maps a requested format to its canonical name.
func NormalizeFormat(format string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "":
		return DefaultFormat, nil
	case "png", "gif":
		return f, nil
	case "jpeg", "jpg":
		return "jpeg", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ContentType is the MIME type for a canonical format.
func ContentType(format string) string {
	return "image/" + format
}

// ImageConverter decodes png, jpeg and gif input and re-encodes it.
type ImageConverter struct {
	// MaxPixels rejects images whose decoded size would exceed it. Zero
	// disables the check.
	MaxPixels int
	// JPEGQuality is used for jpeg output, 1 to 100.
	JPEGQuality int
}

func NewImageConverter(maxPixels, jpegQuality int) *ImageConverter {
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = jpeg.DefaultQuality
	}
	return &ImageConverter{MaxPixels: maxPixels, JPEGQuality: jpegQuality}
}

func (c *ImageConverter) Convert(ctx context.Context, src io.Reader, format string) ([]byte, error) {
	format, err := NormalizeFormat(format)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if c.MaxPixels > 0 && cfg.Width*cfg.Height > c.MaxPixels {
		return nil, fmt.Errorf("%w: image is %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, img)
	case "jpeg":
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: c.JPEGQuality})
	case "gif":
		err = gif.Encode(&buf, img, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}
