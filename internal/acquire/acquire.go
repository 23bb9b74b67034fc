// Package acquire turns camera captures and gallery picks into decoded images.
package acquire

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// Source identifies where an image came from.
type Source string

const (
	SourceCamera  Source = "camera"
	SourceGallery Source = "gallery"
)

var (
	// ErrNoImage is returned when the capture or pick produced no payload.
	ErrNoImage = errors.New("no image provided")
	// ErrUnsupportedFormat is returned for payloads that are not a supported image type.
	ErrUnsupportedFormat = errors.New("unsupported image format")
	// ErrDecode is returned when a supported payload fails to decode.
	ErrDecode = errors.New("image decode failed")
	// ErrTooLarge is returned when the image header declares more pixels than allowed.
	ErrTooLarge = errors.New("image dimensions exceed limit")
)

// DefaultMaxPixels bounds the decoded size of an image, 64 megapixels.
const DefaultMaxPixels = 64 << 20

var supportedTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
}

// AcquisitionError reports a capture or pick that yielded no usable image.
type AcquisitionError struct {
	Source Source
	Err    error
}

// Error implements the error interface.
func (e *AcquisitionError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("acquire %s image: %v", e.Source, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AcquisitionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Image is a decoded capture together with the format it was decoded from.
type Image struct {
	Source Source
	Format string
	Image  image.Image
}

// SupportedType reports whether a MIME type is accepted for decoding.
func SupportedType(mime string) bool {
	_, ok := supportedTypes[mime]
	return ok
}

// Detect sniffs the MIME type of an image payload.
func Detect(data []byte) string {
	return mimetype.Detect(data).String()
}

// Decode validates and decodes an image payload from source using DefaultMaxPixels.
func Decode(source Source, data []byte) (*Image, error) {
	return DecodeLimit(source, data, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel budget. The header is read first
// so oversized images are rejected before any pixel buffer is allocated.
// A maxPixels of zero or less means DefaultMaxPixels.
func DecodeLimit(source Source, data []byte, maxPixels int64) (*Image, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if len(data) == 0 {
		return nil, &AcquisitionError{Source: source, Err: ErrNoImage}
	}

	mime := Detect(data)
	if !SupportedType(mime) {
		return nil, &AcquisitionError{Source: source, Err: fmt.Errorf("%w: %s", ErrUnsupportedFormat, mime)}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &AcquisitionError{Source: source, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, &AcquisitionError{Source: source, Err: fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &AcquisitionError{Source: source, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
	}

	return &Image{Source: source, Format: format, Image: img}, nil
}

// Thumbnail crops img to a centered square of its shorter side and scales it
// down so the edge is at most maxEdge pixels. A maxEdge of zero keeps the crop size.
func Thumbnail(img image.Image, maxEdge int) image.Image {
	b := img.Bounds()
	edge := b.Dx()
	if b.Dy() < edge {
		edge = b.Dy()
	}
	if maxEdge > 0 && edge > maxEdge {
		edge = maxEdge
	}
	if edge <= 0 {
		return img
	}
	return imaging.Fill(img, edge, edge, imaging.Center, imaging.Lanczos)
}
