package vips_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/adapters/vips"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/engine"
	"github.com/Skryldev/image-optimizer/pipeline"
	"github.com/Skryldev/image-optimizer/utils"
)

func makeJPEG(tb testing.TB, w, h int) []byte {
	tb.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(tb, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 92}))
	return buf.Bytes()
}

var backend = vips.NewBackend(vips.BackendConfig{DefaultQuality: 85}, nil)

func newManager(tb testing.TB, useVips bool) *engine.ResourceManager {
	tb.Helper()
	reg := core.NewRegistry()
	decoder.Register(reg)
	encoder.Register(reg, 85)
	if useVips {
		vips.RegisterBackend(reg, backend)
	}
	cfg := config.Default()
	cfg.FirewallPolicy = "lenient"
	rm, err := engine.NewResourceManager(cfg, reg)
	require.NoError(tb, err)
	tb.Cleanup(rm.Shutdown)
	return rm
}

func TestBackend_JPEGRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := utils.EmbedJPEGEXIF(makeJPEG(t, 64, 32), utils.BuildEXIFOrientation(6))

	got, err := backend.Decode(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, core.FormatJPEG, got.Format)
	assert.Equal(t, 64, got.Meta.Width)
	assert.Equal(t, 6, got.Meta.Orientation)

	icc := bytes.Repeat([]byte("icc!"), 32)
	got.Format = core.FormatJPEG
	out, err := backend.Encode(ctx, got, core.EncodeOptions{Quality: 70, ICC: icc, Orientation: 6})
	require.NoError(t, err)
	meta := utils.ParseContainerMetadata(out)
	assert.Equal(t, icc, meta.ICC)
	assert.Equal(t, 6, meta.Orientation)
}

func TestBackend_AVIF(t *testing.T) {
	ctx := context.Background()
	img, err := backend.Decode(ctx, makeJPEG(t, 48, 48))
	require.NoError(t, err)
	img.Format = core.FormatAVIF

	out, err := backend.Encode(ctx, img, core.EncodeOptions{Quality: 50})
	if err != nil {
		t.Skipf("libvips built without AVIF support: %v", err)
	}
	assert.Equal(t, "avif", utils.DetectFormat(out))

	back, err := backend.Decode(ctx, out)
	require.NoError(t, err)
	assert.Equal(t, core.FormatAVIF, back.Format)
	assert.Equal(t, 48, back.Meta.Width)
}

func TestBackend_RejectsGarbage(t *testing.T) {
	_, err := backend.Decode(context.Background(), []byte("definitely not an image"))
	require.Error(t, err)
}

// ── Benchmarks ───────────────────────────────────────────────────────────────

func benchOutput(b *testing.B, useVips bool, w, h int, ops []pipeline.Operation, out engine.OutputOptions) {
	raw := makeJPEG(b, w, h)
	rm := newManager(b, useVips)
	ctx := context.Background()

	b.ReportAllocs()
	b.SetBytes(int64(len(raw)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p := rm.Open(ctx, core.FromBytes("bench.jpg", raw))
		for _, op := range ops {
			if err := p.Enqueue(op); err != nil {
				b.Fatal(err)
			}
		}
		if _, _, err := p.ToBuffer(ctx, out); err != nil {
			b.Fatal(err)
		}
		p.Close()
	}
}

var resizeOps = []pipeline.Operation{pipeline.Resize{Width: 960}}

func BenchmarkReencode_Stdlib_1920x1080(b *testing.B) {
	benchOutput(b, false, 1920, 1080, nil, engine.OutputOptions{Format: core.FormatJPEG})
}

func BenchmarkReencode_Vips_1920x1080(b *testing.B) {
	benchOutput(b, true, 1920, 1080, nil, engine.OutputOptions{Format: core.FormatJPEG})
}

func BenchmarkResize_Stdlib_1920to960(b *testing.B) {
	benchOutput(b, false, 1920, 1080, resizeOps, engine.OutputOptions{Format: core.FormatJPEG, Quality: 85})
}

func BenchmarkResize_Vips_1920to960(b *testing.B) {
	benchOutput(b, true, 1920, 1080, resizeOps, engine.OutputOptions{Format: core.FormatJPEG, Quality: 85})
}

func BenchmarkThumbnail_Stdlib_4K(b *testing.B) {
	ops := []pipeline.Operation{pipeline.Resize{Width: 455, Height: 256}, pipeline.Crop{X: 99, Y: 0, Width: 256, Height: 256}}
	benchOutput(b, false, 3840, 2160, ops, engine.OutputOptions{Format: core.FormatJPEG, Quality: 75})
}

func BenchmarkEncodeWebP_Stdlib(b *testing.B) {
	benchOutput(b, false, 800, 600, nil, engine.OutputOptions{Format: core.FormatWebP, Quality: 80})
}

func BenchmarkEncodeWebP_Vips(b *testing.B) {
	benchOutput(b, true, 800, 600, nil, engine.OutputOptions{Format: core.FormatWebP, Quality: 80})
}

func BenchmarkEncodeAVIF_Vips(b *testing.B) {
	benchOutput(b, true, 800, 600, nil, engine.OutputOptions{Format: core.FormatAVIF, Quality: 60})
}

func BenchmarkPipeline_Stdlib(b *testing.B) {
	ops := append(append([]pipeline.Operation{}, resizeOps...), pipeline.StripMetadata{})
	benchOutput(b, false, 1920, 1080, ops, engine.OutputOptions{Format: core.FormatWebP, Quality: 80})
}

func BenchmarkPipeline_Vips(b *testing.B) {
	ops := append(append([]pipeline.Operation{}, resizeOps...), pipeline.StripMetadata{})
	benchOutput(b, true, 1920, 1080, ops, engine.OutputOptions{Format: core.FormatWebP, Quality: 80})
}
