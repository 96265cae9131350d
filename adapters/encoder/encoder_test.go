package encoder_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 4), G: uint8(y * 4), B: 128, A: 255})
		}
	}
	return img
}

func imageData(img image.Image) *core.ImageData {
	return &core.ImageData{Image: img, Color: core.ColorStateOf(img, false)}
}

var fakeICC = bytes.Repeat([]byte("profile-"), 300)

func TestJPEG_EmbedsICCAndOrientation(t *testing.T) {
	data, err := encoder.NewJPEG(0).Encode(context.Background(), imageData(gradient(32, 16)),
		core.EncodeOptions{Quality: 80, ICC: fakeICC, Orientation: 6})
	require.NoError(t, err)

	got, err := decoder.NewJPEG().Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, fakeICC, got.Meta.ICC)
	assert.Equal(t, 6, got.Meta.Orientation)
	assert.True(t, got.Meta.HasEXIF)
	assert.True(t, got.Color.ICCPresent)
	assert.Equal(t, 32, got.Meta.Width)
}

func TestJPEG_NoMetadataByDefault(t *testing.T) {
	data, err := encoder.NewJPEG(90).Encode(context.Background(), imageData(gradient(8, 8)), core.EncodeOptions{Orientation: 1})
	require.NoError(t, err)

	got, err := decoder.NewJPEG().Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Nil(t, got.Meta.ICC)
	assert.False(t, got.Meta.HasEXIF)
	assert.False(t, got.Color.ICCPresent)
}

func TestJPEG_QualityAffectsSize(t *testing.T) {
	enc := encoder.NewJPEG(0)
	img := imageData(gradient(64, 64))
	hi, err := enc.Encode(context.Background(), img, core.EncodeOptions{Quality: 95})
	require.NoError(t, err)
	lo, err := enc.Encode(context.Background(), img, core.EncodeOptions{Quality: 10})
	require.NoError(t, err)
	assert.Less(t, len(lo), len(hi))
}

func TestPNG_EmbedsICCAndOrientation(t *testing.T) {
	data, err := encoder.NewPNG().Encode(context.Background(), imageData(gradient(10, 10)),
		core.EncodeOptions{ICC: fakeICC, Orientation: 3})
	require.NoError(t, err)

	got, err := decoder.NewPNG().Decode(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, fakeICC, got.Meta.ICC)
	assert.Equal(t, 3, got.Meta.Orientation)
	// Opaque NRGBA is written as truecolor and decodes to RGBA.
	assert.Equal(t, gradient(10, 10).Pix, got.Image.(*image.RGBA).Pix)
}

func TestEncode_GrayStateWritesSingleChannel(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for i := range src.Pix {
		src.Pix[i] = 0x80
		if i%4 == 3 {
			src.Pix[i] = 0xff
		}
	}
	img := &core.ImageData{Image: src, Color: core.ColorState{ColorSpace: core.ColorSpaceGray, BitDepth: 8}}

	for _, tc := range []struct {
		enc core.Encoder
		dec core.Decoder
	}{
		{encoder.NewJPEG(0), decoder.NewJPEG()},
		{encoder.NewPNG(), decoder.NewPNG()},
	} {
		data, err := tc.enc.Encode(context.Background(), img, core.EncodeOptions{})
		require.NoError(t, err)
		got, err := tc.dec.Decode(context.Background(), data)
		require.NoError(t, err)
		assert.IsType(t, &image.Gray{}, got.Image)
		assert.Equal(t, core.ColorSpaceGray, got.Color.ColorSpace)
	}
}

func TestEncode_Errors(t *testing.T) {
	_, err := encoder.NewPNG().Encode(context.Background(), &core.ImageData{}, core.EncodeOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeEmptyInput))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = encoder.NewJPEG(0).Encode(ctx, imageData(gradient(2, 2)), core.EncodeOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
}

func TestRegister(t *testing.T) {
	reg := core.NewRegistry()
	encoder.Register(reg, 70)
	decoder.Register(reg)
	assert.Equal(t, []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP}, reg.OutputFormats())
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatGIF} {
		_, ok := reg.DecoderFor(f)
		assert.True(t, ok, f)
	}
	_, ok := reg.DecoderFor(core.FormatAVIF)
	assert.False(t, ok)
}
