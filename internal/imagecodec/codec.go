// Package imagecodec decodes the data-URL images the browser sends and
// normalises them to JPEG for storage.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"net/http"
	"strings"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmpty             = errors.New("image is empty")
	ErrInvalidEncoding   = errors.New("image is not valid base64")
	ErrUnsupportedFormat = errors.New("image must be JPEG, PNG or WebP")
	ErrTooLarge          = errors.New("image exceeds the size limit")
)

// JPEGQuality is used whenever an image is re-encoded.
const JPEGQuality = 90

// MaxDimension caps the longer edge of stored images.
const MaxDimension = 1920

var supported = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
}

// Image is a decoded upload with its sniffed format and dimensions.
type Image struct {
	Data        []byte
	ContentType string
	Format      string
	Width       int
	Height      int
}

// DecodeDataURL accepts "data:image/...;base64,..." or bare base64.
func DecodeDataURL(s string, maxBytes int64) (*Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "data:") {
		idx := strings.Index(s, ",")
		if idx < 0 || !strings.Contains(s[:idx], ";base64") {
			return nil, ErrInvalidEncoding
		}
		s = s[idx+1:]
	}
	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(s))) > maxBytes+2 {
		return nil, ErrTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
		}
	}
	return Decode(data, maxBytes)
}

// Decode sniffs raw bytes and reads the image header.
func Decode(data []byte, maxBytes int64) (*Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	contentType := http.DetectContentType(data)
	format, ok := supported[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedFormat, contentType)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	return &Image{
		Data:        data,
		ContentType: contentType,
		Format:      format,
		Width:       cfg.Width,
		Height:      cfg.Height,
	}, nil
}

// Supported reports whether a declared content type is accepted.
func Supported(contentType string) bool {
	_, ok := supported[strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))]
	return ok
}

// NormalizeJPEG returns JPEG bytes for img. Small JPEGs are kept as they
// are; other formats and oversized images are decoded, scaled down to
// MaxDimension, and re-encoded.
func NormalizeJPEG(img *Image) ([]byte, error) {
	if img.Format == "jpeg" && img.Width <= MaxDimension && img.Height <= MaxDimension {
		return img.Data, nil
	}

	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, fmt.Errorf("decode %s image: %w", img.Format, err)
	}

	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	var out image.Image = decoded
	if width > MaxDimension || height > MaxDimension {
		var newWidth, newHeight int
		if width > height {
			newWidth = MaxDimension
			newHeight = int(float64(height) * float64(MaxDimension) / float64(width))
		} else {
			newHeight = MaxDimension
			newWidth = int(float64(width) * float64(MaxDimension) / float64(height))
		}
		resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(resized, resized.Bounds(), decoded, bounds, draw.Over, nil)
		out = resized
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL encodes bytes as a data URL.
func DataURL(data []byte, contentType string) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
