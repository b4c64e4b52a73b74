package imagecodec

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, x%h, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestDecodeDataURL(t *testing.T) {
	raw := encodePNG(t, 8, 6)
	img, err := DecodeDataURL(DataURL(raw, "image/png"), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, 8, img.Width)
	assert.Equal(t, 6, img.Height)

	bare, err := DecodeDataURL(base64.StdEncoding.EncodeToString(raw), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, img.Data, bare.Data)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	_, err := DecodeDataURL("", 0)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = DecodeDataURL("data:image/png,notbase64", 0)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = DecodeDataURL("!!!not base64!!!", 0)
	assert.ErrorIs(t, err, ErrInvalidEncoding)

	_, err = DecodeDataURL(base64.StdEncoding.EncodeToString([]byte("hello world")), 0)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	raw := encodePNG(t, 64, 64)
	_, err = DecodeDataURL(DataURL(raw, "image/png"), 16)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestNormalizeJPEGConvertsPNG(t *testing.T) {
	img, err := Decode(encodePNG(t, 10, 10), 0)
	require.NoError(t, err)

	out, err := NormalizeJPEG(img)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", http.DetectContentType(out))
}

func TestNormalizeJPEGKeepsSmallJPEG(t *testing.T) {
	raw := encodeJPEG(t, 20, 20)
	img, err := Decode(raw, 0)
	require.NoError(t, err)

	out, err := NormalizeJPEG(img)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestNormalizeJPEGScalesDown(t *testing.T) {
	img, err := Decode(encodeJPEG(t, MaxDimension*2, 100), 0)
	require.NoError(t, err)

	out, err := NormalizeJPEG(img)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, MaxDimension, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported("image/jpeg"))
	assert.True(t, Supported("image/PNG; charset=binary"))
	assert.True(t, Supported("image/webp"))
	assert.False(t, Supported("text/plain"))
	assert.False(t, Supported("image/gif"))
}
