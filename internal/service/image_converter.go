// Package service provides the business logic layer for vodarr operations.
package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	// Register image format decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	// WebP support from x/image
	_ "golang.org/x/image/webp"
)

// thumbnailJPEGQuality is the JPEG quality used for normalized thumbnails.
const thumbnailJPEGQuality = 85

// ErrImageTooLarge is returned when image data exceeds the converter's size limit.
var ErrImageTooLarge = errors.New("image exceeds maximum size")

// ImageConverter normalizes user-supplied thumbnails to JPEG no wider than
// maxWidth.
type ImageConverter struct {
	maxWidth int
	maxBytes int64
}

// NewImageConverter creates a new ImageConverter. A maxBytes of zero disables
// the size limit.
func NewImageConverter(maxWidth int, maxBytes int64) *ImageConverter {
	return &ImageConverter{maxWidth: maxWidth, maxBytes: maxBytes}
}

// ConvertToJPEG decodes PNG, JPEG, GIF or WebP data and re-encodes it as JPEG,
// downscaling when the source is wider than the configured width.
// Returns the JPEG data, width, height, and any error.
func (c *ImageConverter) ConvertToJPEG(data []byte) ([]byte, int, int, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decoding image (format=%s): %w", format, err)
	}

	img = c.fit(img)
	bounds := img.Bounds()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: thumbnailJPEGQuality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encoding to JPEG: %w", err)
	}

	return buf.Bytes(), bounds.Dx(), bounds.Dy(), nil
}

// ConvertToJPEGReader converts image data from a reader to JPEG format.
func (c *ImageConverter) ConvertToJPEGReader(r io.Reader) ([]byte, int, int, error) {
	if c.maxBytes > 0 {
		r = io.LimitReader(r, c.maxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("reading image data: %w", err)
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, 0, 0, ErrImageTooLarge
	}
	return c.ConvertToJPEG(data)
}

// IsSupportedFormat checks if the content type is a supported image format.
// An empty content type is accepted and left to the decoder.
func (c *ImageConverter) IsSupportedFormat(contentType string) bool {
	switch contentType {
	case "", "application/octet-stream", "image/png", "image/jpeg", "image/jpg", "image/gif", "image/webp":
		return true
	default:
		return false
	}
}

func (c *ImageConverter) fit(img image.Image) image.Image {
	b := img.Bounds()
	if c.maxWidth <= 0 || b.Dx() <= c.maxWidth {
		return img
	}

	height := b.Dy() * c.maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, c.maxWidth, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
