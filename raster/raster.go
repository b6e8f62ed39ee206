// Package raster decodes stored tile blobs and encodes finished tiles.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/tiff" // GeoTIFF tiles
	_ "golang.org/x/image/webp" // WebP extension tiles
)

type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	WebP Format = "webp"
	TIFF Format = "tiff"
)

var ErrUnsupportedFormat = errors.New("unsupported image format")

// ParseFormat accepts a format name, file extension or mime type
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "image/")
	s = strings.TrimPrefix(s, ".")
	switch s {
	case "png":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	case "webp":
		return WebP, nil
	case "tiff", "tif":
		return TIFF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

func (f Format) MimeType() string {
	return "image/" + string(f)
}

// Decode decodes a tile blob of any registered format
func Decode(data []byte) (image.Image, Format, error) {
	img, name, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("could not decode tile of %d bytes: %w", len(data), err)
	}
	return img, Format(name), nil
}

// Encode encodes img. quality (1-100) is only used for JPEG; WebP and TIFF can only be decoded.
func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case PNG:
		enc := png.Encoder{CompressionLevel: png.BestSpeed}
		err = enc.Encode(&buf, img)
	case JPEG:
		if quality <= 0 || quality > 100 {
			quality = jpeg.DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		return nil, fmt.Errorf("%w for encoding: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Allocator creates the (transparent) canvas tiles are composited onto
type Allocator func(width, height int) draw.Image

func RGBAAllocator(width, height int) draw.Image {
	return image.NewRGBA(image.Rect(0, 0, width, height))
}

func NRGBAAllocator(width, height int) draw.Image {
	return image.NewNRGBA(image.Rect(0, 0, width, height))
}

// IsEmpty reports whether every pixel of img is fully transparent
func IsEmpty(img image.Image) bool {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, y):rgba.PixOffset(b.Max.X, y)]
			for i := 3; i < len(row); i += 4 {
				if row[i] != 0 {
					return false
				}
			}
		}
		return true
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				return false
			}
		}
	}
	return true
}
