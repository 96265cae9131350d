package engine_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/adapters/decoder"
	"github.com/Skryldev/image-optimizer/adapters/encoder"
	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	"github.com/Skryldev/image-optimizer/engine"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/firewall"
	"github.com/Skryldev/image-optimizer/hooks"
	"github.com/Skryldev/image-optimizer/pipeline"
	"github.com/Skryldev/image-optimizer/utils"
	"github.com/Skryldev/image-optimizer/workers"
)

// ── helpers ───────────────────────────────────────────────────────────────────

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 3), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	return img
}

func noise(w, h int) *image.NRGBA {
	rng := rand.New(rand.NewSource(7))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}

func encodePNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

// countingDecoder records every decode and the last decoded image.
type countingDecoder struct {
	core.Decoder
	calls atomic.Int32
	delay time.Duration
	last  atomic.Value
}

func (d *countingDecoder) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	d.calls.Add(1)
	time.Sleep(d.delay)
	out, err := d.Decoder.Decode(ctx, data)
	if err == nil {
		d.last.Store(out.Image)
	}
	return out, err
}

// capturingEncoder remembers the pixels it was handed.
type capturingEncoder struct {
	core.Encoder
	last atomic.Value
}

func (e *capturingEncoder) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	e.last.Store(img.Image)
	return e.Encoder.Encode(ctx, img, opts)
}

// avifHeader is an AVIF container declaring w×h.  It carries no image data.
func avifHeader(w, h uint32) []byte {
	box := func(typ string, body ...[]byte) []byte {
		payload := bytes.Join(body, nil)
		b := make([]byte, 8, 8+len(payload))
		binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
		copy(b[4:], typ)
		return append(b, payload...)
	}
	ext := make([]byte, 12)
	binary.BigEndian.PutUint32(ext[4:], w)
	binary.BigEndian.PutUint32(ext[8:], h)
	ftyp := box("ftyp", []byte("avif\x00\x00\x00\x00avifmif1"))
	meta := box("meta", []byte{0, 0, 0, 0}, box("iprp", box("ipco", box("ispe", ext))))
	return append(ftyp, meta...)
}

type panickyDecoder struct{}

func (panickyDecoder) Decode(context.Context, []byte) (*core.ImageData, error) { panic("boom") }
func (panickyDecoder) CanDecode(core.Format) bool                           { return true }

func newRegistry() *core.DefaultRegistry {
	reg := core.NewRegistry()
	decoder.Register(reg)
	encoder.Register(reg, 85)
	return reg
}

func newManager(t *testing.T, reg core.Registry, mutate func(*config.Config), opts ...engine.Option) *engine.ResourceManager {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]engine.Option{
		engine.WithCoordinator(workers.NewCoordinator(cfg.ReservedIOThreads, cfg.QueueSize,
			workers.WithParallelism(func() int { return 6 }))),
	}, opts...)
	rm, err := engine.NewResourceManager(cfg, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(rm.Shutdown)
	return rm
}

func decodeConfig(t *testing.T, data []byte) (image.Config, string) {
	t.Helper()
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg, format
}

// stepClock advances by step on every reading.
type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

// ── ResourceManager ───────────────────────────────────────────────────────────

func TestNewResourceManager_RejectsZeroBudget(t *testing.T) {
	cfg := config.Default()
	cfg.MemoryBudget = 0
	_, err := engine.NewResourceManager(cfg, newRegistry())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAdmissionMisconfigured))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryResource))
}

func TestNewResourceManager_RejectsUnknownPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.FirewallPolicy = "paranoid"
	_, err := engine.NewResourceManager(cfg, newRegistry())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidPolicy))
}

func TestResourceManager_Reconfigure(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	assert.Equal(t, 2, rm.Coordinator().WorkerCount())

	rm.Coordinator().Pool()
	require.NoError(t, rm.Reconfigure(64<<20, 1))
	assert.Equal(t, int64(64<<20), rm.Gate().Capacity())
	assert.Equal(t, 5, rm.Coordinator().WorkerCount())
	assert.False(t, rm.Coordinator().Started(), "pool is rebuilt lazily after a resize")

	err := rm.Reconfigure(-1, 1)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeAdmissionMisconfigured))
}

// ── Lifecycle ─────────────────────────────────────────────────────────────────

func TestPipeline_LazyUntilOutput(t *testing.T) {
	dec := &countingDecoder{Decoder: decoder.NewPNG()}
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, dec)
	rm := newManager(t, reg, nil)

	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(64, 48))))
	assert.Equal(t, engine.StateInspected, p.State())
	assert.Equal(t, core.Dimensions{Width: 64, Height: 48}, p.Declared().Dims)

	require.NoError(t, p.Enqueue(pipeline.Resize{Width: 32, Height: 24}))
	require.NoError(t, p.Enqueue(pipeline.Grayscale{}))
	assert.Zero(t, dec.calls.Load())
	assert.Equal(t, engine.StateInspected, p.State())
}

func TestPipeline_NonDestructiveRepeatedOutput(t *testing.T) {
	dec := &countingDecoder{Decoder: decoder.NewPNG()}
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, dec)
	rm := newManager(t, reg, nil)

	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(64, 48))))
	defer p.Close()
	require.NoError(t, p.Enqueue(pipeline.Resize{Width: 32, Height: 24}))
	require.NoError(t, p.Enqueue(pipeline.Crop{X: 4, Y: 4, Width: 16, Height: 8}))

	jpg, m1, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	cfg, format := decodeConfig(t, jpg)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 16, cfg.Width)
	assert.Equal(t, 8, cfg.Height)
	assert.Positive(t, m1.DecodeMS+m1.OpsMS+m1.EncodeMS)

	pngOut, m2, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatPNG})
	require.NoError(t, err)
	cfg, format = decodeConfig(t, pngOut)
	assert.Equal(t, "png", format)
	assert.Equal(t, 16, cfg.Width)

	assert.Equal(t, int32(1), dec.calls.Load(), "source is decoded once")
	assert.Zero(t, m2.DecodeMS)
	assert.Equal(t, engine.StateEncoded, p.State())

	again, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	assert.Equal(t, jpg, again)
}

func TestPipeline_ReencodeSharesDecodedPixels(t *testing.T) {
	dec := &countingDecoder{Decoder: decoder.NewPNG()}
	enc := &capturingEncoder{Encoder: encoder.NewJPEG(85)}
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, dec)
	reg.RegisterEncoder(core.FormatJPEG, enc)
	rm := newManager(t, reg, nil)

	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(40, 30))))
	_, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)

	assert.Same(t, dec.last.Load(), enc.last.Load())
	assert.Equal(t, int64(40*30*4), m.PixelBytesPeak)
}

func TestPipeline_DefaultFormatFollowsInput(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("", encodePNG(t, gradient(8, 8))))
	assert.NotEmpty(t, p.ID())

	out, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.NoError(t, err)
	_, format := decodeConfig(t, out)
	assert.Equal(t, "png", format)
}

func TestPipeline_AutoOrient(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	src := utils.EmbedJPEGEXIF(encodeJPEG(t, gradient(40, 20)), utils.BuildEXIFOrientation(6))

	p := rm.Open(context.Background(), core.FromBytes("o.jpg", src))
	assert.Equal(t, 6, p.Declared().Orientation)
	require.NoError(t, p.Enqueue(pipeline.AutoOrient{}))

	out, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	cfg, _ := decodeConfig(t, out)
	assert.Equal(t, 20, cfg.Width)
	assert.Equal(t, 40, cfg.Height)
	assert.Zero(t, utils.ParseContainerMetadata(out).Orientation, "tag is reset once applied")

	plain := rm.Open(context.Background(), core.FromBytes("o.jpg", src))
	out, _, err = plain.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	assert.Equal(t, 6, utils.ParseContainerMetadata(out).Orientation, "tag survives a plain re-encode")
}

func TestPipeline_EnqueueValidatesAgainstHeader(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(64, 48))))

	err := p.Enqueue(pipeline.Crop{X: 60, Y: 0, Width: 10, Height: 10})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCropOutOfBounds))

	err = p.Enqueue(pipeline.AutoOrient{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeContractViolation))
	assert.Empty(t, p.Plan().Steps)
}

func TestPipeline_AutoOrientRejectedForAVIF(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("a.avif", avifHeader(64, 48)))
	require.Equal(t, engine.StateInspected, p.State())
	assert.True(t, p.Declared().DimsTrusted)

	err := p.Enqueue(pipeline.AutoOrient{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeContractViolation), "got %v", err)

	err = p.Enqueue(pipeline.Crop{X: 60, Y: 0, Width: 10, Height: 10})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCropOutOfBounds), "header geometry is trusted")
	require.NoError(t, p.Enqueue(pipeline.Crop{X: 0, Y: 0, Width: 10, Height: 10}))
}

// ── Failure paths ─────────────────────────────────────────────────────────────

func TestPipeline_CorruptInputReleasesPermit(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	data := encodePNG(t, noise(64, 64))
	truncated := data[:len(data)/2]

	p := rm.Open(context.Background(), core.FromBytes("bad.png", truncated))
	require.Equal(t, engine.StateInspected, p.State())

	_, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCorruptInput))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCodec))
	assert.Zero(t, rm.Gate().InUse())
	assert.Equal(t, engine.StateFailed, p.State())

	_, _, again := p.ToBuffer(context.Background(), engine.OutputOptions{})
	assert.True(t, apperrors.IsCode(again, apperrors.CodeCorruptInput), "failed state is terminal")
}

func TestPipeline_CodecPanicIsContained(t *testing.T) {
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, panickyDecoder{})
	rm := newManager(t, reg, nil)

	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(8, 8))))
	_, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCodecPanic))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryInternal))
	assert.Zero(t, rm.Gate().InUse())
}

func TestPipeline_FirewallRejectsBeforeDecode(t *testing.T) {
	dec := &countingDecoder{Decoder: decoder.NewPNG()}
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, dec)
	collector := hooks.NewInMemoryMetrics()
	rm := newManager(t, reg, nil, engine.WithCollector(collector))

	tight := firewall.Strict
	tight.MaxPixels = 1000
	p := rm.Open(context.Background(), core.FromBytes("big.png", encodePNG(t, gradient(64, 48))),
		engine.WithPolicy(tight))
	assert.Equal(t, engine.StateFailed, p.State())

	_, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodePixelsExceeded))
	v, ok := firewall.AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, int64(64*48), v.Observed)
	assert.Equal(t, int64(1000), v.Limit)

	assert.Zero(t, dec.calls.Load())
	assert.Equal(t, []string{"PixelsExceeded"}, m.PolicyViolations)
	assert.Equal(t, int64(1), collector.Snapshot().Violations["PixelsExceeded"])
}

func TestPipeline_TimeoutAtStageBoundary(t *testing.T) {
	clock := &stepClock{t: time.Unix(0, 0), step: 6 * time.Second}
	rm := newManager(t, newRegistry(), nil, engine.WithClock(clock.Now))

	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(8, 8))))
	_, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTimeoutExceeded))
	assert.Contains(t, m.PolicyViolations, "TimeoutExceeded")
	assert.Zero(t, rm.Gate().InUse())
	assert.NotEqual(t, engine.StateFailed, p.State())
}

func TestPipeline_CancelledWhileWaitingForPermit(t *testing.T) {
	rm := newManager(t, newRegistry(), func(c *config.Config) { c.MemoryBudget = 32 << 20 })
	held, err := rm.Gate().Acquire(context.Background(), 32<<20)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := rm.Open(ctx, core.FromBytes("a.png", encodePNG(t, gradient(8, 8))))
	_, _, err = p.ToBuffer(ctx, engine.OutputOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeCancelled))
	assert.Equal(t, int64(32<<20), rm.Gate().InUse())
	assert.Equal(t, engine.StateInspected, p.State())
}

func TestPipeline_TimeoutExcludesAdmissionWait(t *testing.T) {
	rm := newManager(t, newRegistry(), func(c *config.Config) { c.MemoryBudget = 32 << 20 })
	held, err := rm.Gate().Acquire(context.Background(), 32<<20)
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		held.Release()
	}()

	quick := firewall.Lenient
	quick.Timeout = 100 * time.Millisecond
	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(8, 8))),
		engine.WithPolicy(quick))
	begin := time.Now()
	out, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(begin), 150*time.Millisecond, "run waited for the permit")
	assert.NotEmpty(t, out)
	assert.Empty(t, m.PolicyViolations)
	assert.Zero(t, rm.Gate().InUse())
}

func TestPipeline_UnsupportedOutputFormat(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(8, 8))))
	_, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatAVIF})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnsupportedFormat))
}

// ── Metadata and size ─────────────────────────────────────────────────────────

func TestPipeline_ICCPassThrough(t *testing.T) {
	icc := bytes.Repeat([]byte("icc-data"), 64)
	src := utils.EmbedJPEGICC(encodeJPEG(t, gradient(32, 32)), icc)
	rm := newManager(t, newRegistry(), func(c *config.Config) { c.FirewallPolicy = "lenient" })

	p := rm.Open(context.Background(), core.FromBytes("icc.jpg", src))
	out, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	assert.True(t, m.ICCPreserved)
	assert.False(t, m.MetadataStripped)
	assert.Equal(t, icc, utils.ParseContainerMetadata(out).ICC)

	pngOut, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatPNG})
	require.NoError(t, err)
	assert.True(t, m.ICCPreserved)
	assert.Equal(t, icc, utils.ParseContainerMetadata(pngOut).ICC)

	stripped, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG, StripMetadata: true})
	require.NoError(t, err)
	assert.False(t, m.ICCPreserved)
	assert.True(t, m.MetadataStripped)
	assert.Nil(t, utils.ParseContainerMetadata(stripped).ICC)
}

func TestPipeline_MappedSourceOutlivesClose(t *testing.T) {
	icc := bytes.Repeat([]byte{0x5a}, 4096)
	webpData, err := encoder.NewWebP(85).Encode(context.Background(),
		&core.ImageData{Image: gradient(24, 16), Format: core.FormatWebP}, core.EncodeOptions{ICC: icc})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "icc.webp")
	require.NoError(t, os.WriteFile(path, webpData, 0o600))

	src, err := core.MapFile(path)
	require.NoError(t, err)
	if src.Kind() != core.SourceMapped {
		t.Skip("memory mapping unavailable on this platform")
	}
	rm := newManager(t, newRegistry(), func(c *config.Config) { c.FirewallPolicy = "lenient" })

	p := rm.Open(context.Background(), src)
	require.Equal(t, engine.StateInspected, p.State())
	assert.Zero(t, src.Borrowed(), "inspection returns its borrow")

	out, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatPNG})
	require.NoError(t, err)
	assert.True(t, m.ICCPreserved)
	assert.Equal(t, icc, utils.ParseContainerMetadata(out).ICC)

	require.NoError(t, src.Close())

	out, m, err = p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	assert.True(t, m.ICCPreserved)
	assert.Equal(t, icc, utils.ParseContainerMetadata(out).ICC)
	assert.Equal(t, int64(len(webpData)), m.BytesIn)
	require.NoError(t, p.Close())
}

func TestPipeline_StrictPolicyBlocksICC(t *testing.T) {
	src := utils.EmbedJPEGICC(encodeJPEG(t, gradient(16, 16)), []byte("tiny profile"))
	rm := newManager(t, newRegistry(), nil)

	p := rm.Open(context.Background(), core.FromBytes("icc.jpg", src))
	_, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeIccExceeded))
	assert.Equal(t, []string{"IccExceeded"}, m.PolicyViolations)
}

func TestPipeline_MaxBytesLowersQuality(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("n.png", encodePNG(t, noise(128, 128))))

	full, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG, Quality: 95})
	require.NoError(t, err)

	limit := len(full) / 3
	small, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG, Quality: 95, MaxBytes: limit})
	require.NoError(t, err)
	assert.Less(t, len(small), len(full))
	assert.Equal(t, int64(len(small)), m.BytesOut)

	lossless, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatPNG, MaxBytes: 10})
	require.NoError(t, err)
	assert.Greater(t, len(lossless), 10, "lossless output is not refitted")
}

func TestPipeline_MetricsTotals(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	src := encodePNG(t, gradient(64, 64))
	p := rm.Open(context.Background(), core.FromBytes("a.png", src))
	require.NoError(t, p.Enqueue(pipeline.Resize{Width: 16, Height: 16}))

	out, m, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.TotalMS, m.DecodeMS+m.OpsMS+m.EncodeMS)
	assert.Equal(t, int64(len(src)), m.BytesIn)
	assert.Equal(t, int64(len(out)), m.BytesOut)
	assert.InDelta(t, float64(len(src))/float64(len(out)), m.CompressionRatio, 1e-9)
	assert.Positive(t, m.PermitBytes)
}

// ── Sinks ─────────────────────────────────────────────────────────────────────

func TestPipeline_ToFile(t *testing.T) {
	rm := newManager(t, newRegistry(), nil)
	p := rm.Open(context.Background(), core.FromBytes("a.png", encodePNG(t, gradient(20, 10))))
	dir := t.TempDir()

	path := filepath.Join(dir, "out.webp")
	_, err := p.ToFile(context.Background(), path, engine.OutputOptions{})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "webp", utils.DetectFormat(data))

	_, err = p.ToFile(context.Background(), filepath.Join(dir, "out.bmp"), engine.OutputOptions{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidParameter))

	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	_, err = p.ToFile(context.Background(), filepath.Join(blocker, "out.png"), engine.OutputOptions{})
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryResource))
}

// ── Admission ─────────────────────────────────────────────────────────────────

// decodeGauge counts decodes running at the same time.
type decodeGauge struct {
	gate    interface{ InUse() int64 }
	cur     atomic.Int32
	peak    atomic.Int32
	inUseOK atomic.Bool
	limit   int64
}

func (g *decodeGauge) BeforeStage(_ context.Context, stage core.Stage, _ core.StageInfo) {
	if stage != core.StageDecode {
		return
	}
	if g.gate.InUse() > g.limit {
		g.inUseOK.Store(false)
	}
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
}

func (g *decodeGauge) AfterStage(_ context.Context, stage core.Stage, _ core.StageInfo, _ time.Duration, _ error) {
	if stage == core.StageDecode {
		g.cur.Add(-1)
	}
}

func TestPipeline_AdmissionBoundsConcurrentRuns(t *testing.T) {
	dec := &countingDecoder{Decoder: decoder.NewPNG(), delay: 5 * time.Millisecond}
	reg := newRegistry()
	reg.RegisterDecoder(core.FormatPNG, dec)
	const budget = 30 << 20
	rm := newManager(t, reg, func(c *config.Config) { c.MemoryBudget = budget })

	gauge := &decodeGauge{gate: rm.Gate(), limit: budget}
	gauge.inUseOK.Store(true)
	rm.AddHook(gauge)

	src := encodePNG(t, gradient(64, 48))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p := rm.Open(context.Background(), core.FromBytes("a.png", src))
			_, _, err := p.ToBuffer(context.Background(), engine.OutputOptions{Format: core.FormatJPEG})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, gauge.inUseOK.Load())
	assert.Equal(t, int32(1), gauge.peak.Load(), "each run needs more than half the budget")
	assert.Zero(t, rm.Gate().InUse())
	assert.Equal(t, int32(8), dec.calls.Load())
}
