package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{in: "png", want: PNG},
		{in: "image/png", want: PNG},
		{in: ".JPG", want: JPEG},
		{in: "jpeg", want: JPEG},
		{in: "image/webp", want: WebP},
		{in: "tif", want: TIFF},
		{in: "gif", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 4))
	src.Set(1, 2, color.RGBA{R: 200, G: 10, B: 30, A: 255})

	data, err := Encode(src, PNG, 0)
	require.NoError(t, err)
	img, format, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, PNG, format)
	assert.Equal(t, src.Bounds(), img.Bounds())
	r, g, b, a := img.At(1, 2).RGBA()
	assert.Equal(t, []uint32{200, 10, 30, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})

	data, err = Encode(src, JPEG, 90)
	require.NoError(t, err)
	_, format, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, JPEG, format)

	_, err = Encode(src, WebP, 0)
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, _, err = Decode([]byte("not an image"))
	require.Error(t, err)
}

func TestIsEmpty(t *testing.T) {
	for name, alloc := range map[string]Allocator{"rgba": RGBAAllocator, "nrgba": NRGBAAllocator} {
		t.Run(name, func(t *testing.T) {
			img := alloc(8, 8)
			assert.True(t, IsEmpty(img))
			img.Set(7, 7, color.RGBA{A: 255})
			assert.False(t, IsEmpty(img))
		})
	}
}
