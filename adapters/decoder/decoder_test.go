package decoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

func TestDecode_JPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 12, 7))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, src, nil))

	got, err := NewJPEG().Decode(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, core.FormatJPEG, got.Format)
	assert.Equal(t, core.Dimensions{Width: 12, Height: 7}, got.Meta.Dimensions())
	assert.EqualValues(t, buf.Len(), got.Meta.SizeBytes)
	assert.Equal(t, core.ColorSpaceSRGB, got.Color.ColorSpace)
	assert.Zero(t, got.Meta.Orientation)
}

func TestDecode_GIF(t *testing.T) {
	src := image.NewPaletted(image.Rect(0, 0, 3, 3), color.Palette{color.Black, color.White})
	var buf bytes.Buffer
	require.NoError(t, gif.Encode(&buf, src, nil))

	got, err := NewGIF().Decode(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, core.FormatGIF, got.Meta.Format)
	assert.Equal(t, 3, got.Meta.Height)
}

func TestDecode_Errors(t *testing.T) {
	decoders := []core.Decoder{NewJPEG(), NewPNG(), NewWebP(), NewGIF()}
	for _, d := range decoders {
		_, err := d.Decode(context.Background(), []byte("definitely not an image"))
		require.Error(t, err)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeCorruptInput), "%T: %v", d, err)
		assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCodec))

		_, err = d.Decode(context.Background(), nil)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeEmptyInput))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPNG().Decode(ctx, []byte{1})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
}

func TestCanDecode(t *testing.T) {
	assert.True(t, NewJPEG().CanDecode(core.FormatJPEG))
	assert.False(t, NewJPEG().CanDecode(core.FormatUnknown))
	assert.True(t, NewWebP().CanDecode(core.FormatWebP))
	assert.False(t, NewPNG().CanDecode(core.FormatAVIF))
}
