// Package vips is a libvips codec backend.  It decodes and encodes through
// libvips, including AVIF, while pixel work stays in the Go executor.
package vips

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"runtime"
	"sync"

	govips "github.com/davidbyttow/govips/v2/vips"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// BackendConfig configures the libvips backend.
type BackendConfig struct {
	DefaultQuality int
	MaxCacheSize   int
	// MaxWorkers is the libvips thread count; 0 uses the CPU count.
	MaxWorkers  int
	ReportLeaks bool
	// AVIFSpeed trades encode time for size (0 slowest .. 9 fastest).
	AVIFSpeed int
}

// Backend is a libvips Decoder and Encoder.  It is safe for concurrent use.
type Backend struct {
	cfg BackendConfig
}

var startOnce sync.Once

// NewBackend starts libvips once per process and returns a Backend.  libvips
// messages are forwarded to logger.
func NewBackend(cfg BackendConfig, logger core.Logger) *Backend {
	if cfg.DefaultQuality <= 0 {
		cfg.DefaultQuality = 85
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.AVIFSpeed <= 0 {
		cfg.AVIFSpeed = 8
	}
	if logger == nil {
		logger = core.NopLogger{}
	}
	startOnce.Do(func() {
		govips.LoggingSettings(func(domain string, level govips.LogLevel, msg string) {
			switch level {
			case govips.LogLevelError, govips.LogLevelCritical:
				logger.Error(msg, "domain", domain)
			case govips.LogLevelWarning:
				logger.Warn(msg, "domain", domain)
			default:
				logger.Debug(msg, "domain", domain)
			}
		}, govips.LogLevelWarning)
		govips.Startup(&govips.Config{
			ConcurrencyLevel: cfg.MaxWorkers,
			MaxCacheSize:     cfg.MaxCacheSize,
			ReportLeaks:      cfg.ReportLeaks,
		})
	})
	return &Backend{cfg: cfg}
}

// Shutdown releases libvips.  Call once at process exit.
func (b *Backend) Shutdown() {
	govips.Shutdown()
}

// RegisterBackend routes every format libvips handles to b, replacing the
// pure Go codecs.
func RegisterBackend(reg core.Registry, b *Backend) {
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatAVIF, core.FormatGIF} {
		reg.RegisterDecoder(f, b)
	}
	for _, f := range []core.Format{core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatAVIF} {
		reg.RegisterEncoder(f, b)
	}
}

// ── Decoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanDecode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatAVIF, core.FormatGIF:
		return true
	}
	return false
}

// Decode loads data with libvips and hands the pixels over as an
// image.Image.  Non-RGB inputs are converted to sRGB.
func (b *Backend) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	const op = "vips.decode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeEmptyInput, op, apperrors.ErrEmptyInput)
	}

	ref, err := govips.NewImageFromBuffer(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptInput, op, err)
	}
	defer ref.Close()

	format := formatOf(ref.Format())
	orientation := ref.Orientation()
	switch ref.Interpretation() {
	case govips.InterpretationSRGB, govips.InterpretationBW:
	default:
		if err := ref.ToColorSpace(govips.InterpretationSRGB); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeCorruptInput, op+".colorspace", err)
		}
	}

	// An uncompressed PNG is the cheapest lossless bridge into Go pixels.
	ep := govips.NewPngExportParams()
	ep.Compression = 0
	ep.StripMetadata = true
	raw, _, err := ref.ExportPng(ep)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptInput, op+".export", err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptInput, op+".bridge", err)
	}

	cm := utils.ParseContainerMetadata(data)
	if cm.Orientation == 0 && orientation > 0 {
		cm.Orientation = orientation
	}
	bnd := img.Bounds()
	return &core.ImageData{
		Image:  img,
		Format: format,
		Color:  core.ColorStateOf(img, len(cm.ICC) > 0),
		Meta: core.Metadata{
			Width:       bnd.Dx(),
			Height:      bnd.Dy(),
			Format:      format,
			HasEXIF:     cm.HasEXIF,
			Orientation: cm.Orientation,
			ICC:         cm.ICC,
			SizeBytes:   int64(len(data)),
		},
	}, nil
}

// ── Encoder ──────────────────────────────────────────────────────────────────

func (b *Backend) CanEncode(f core.Format) bool {
	switch f {
	case core.FormatJPEG, core.FormatPNG, core.FormatWebP, core.FormatAVIF:
		return true
	}
	return false
}

// Encode exports img.Image in img.Format.  libvips metadata is stripped;
// ICC and orientation are embedded afterwards for JPEG and PNG.
func (b *Backend) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	const op = "vips.encode"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, op, err)
	}
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CodeEncodeFailed, op, apperrors.ErrEmptyInput)
	}

	ref, err := b.load(img.Image)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, op+".bridge", err)
	}
	defer ref.Close()

	quality := opts.Quality
	if quality <= 0 {
		quality = b.cfg.DefaultQuality
	}

	var out []byte
	switch img.Format {
	case core.FormatJPEG:
		ep := govips.NewJpegExportParams()
		ep.Quality = quality
		ep.StripMetadata = true
		ep.Interlace = opts.Interlaced
		out, _, err = ref.ExportJpeg(ep)
		if err == nil {
			if len(opts.ICC) > 0 {
				out = utils.EmbedJPEGICC(out, opts.ICC)
			}
			if opts.Orientation > 1 {
				out = utils.EmbedJPEGEXIF(out, utils.BuildEXIFOrientation(opts.Orientation))
			}
		}
	case core.FormatPNG:
		ep := govips.NewPngExportParams()
		ep.StripMetadata = true
		ep.Interlace = opts.Interlaced
		if opts.Lossless {
			ep.Compression = 9
		}
		out, _, err = ref.ExportPng(ep)
		if err == nil {
			if opts.Orientation > 1 {
				out = utils.EmbedPNGEXIF(out, utils.BuildEXIFOrientation(opts.Orientation))
			}
			if len(opts.ICC) > 0 {
				out = utils.EmbedPNGICC(out, opts.ICC)
			}
		}
	case core.FormatWebP:
		ep := govips.NewWebpExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.StripMetadata = true
		out, _, err = ref.ExportWebp(ep)
	case core.FormatAVIF:
		ep := govips.NewAvifExportParams()
		ep.Quality = quality
		ep.Lossless = opts.Lossless
		ep.Speed = b.cfg.AVIFSpeed
		ep.StripMetadata = true
		out, _, err = ref.ExportAvif(ep)
	default:
		return nil, apperrors.Newf(apperrors.CodeUnsupportedFormat, op, "vips cannot encode %q", img.Format)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, op+"."+string(img.Format), err)
	}
	return out, nil
}

// load moves Go pixels into libvips through an uncompressed PNG.
func (b *Backend) load(img image.Image) (*govips.ImageRef, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return govips.NewImageFromBuffer(buf.Bytes())
}

func formatOf(t govips.ImageType) core.Format {
	switch t {
	case govips.ImageTypeJPEG:
		return core.FormatJPEG
	case govips.ImageTypePNG:
		return core.FormatPNG
	case govips.ImageTypeWEBP:
		return core.FormatWebP
	case govips.ImageTypeAVIF, govips.ImageTypeHEIF:
		return core.FormatAVIF
	case govips.ImageTypeGIF:
		return core.FormatGIF
	}
	return core.FormatUnknown
}

var (
	_ core.Decoder = (*Backend)(nil)
	_ core.Encoder = (*Backend)(nil)
)
