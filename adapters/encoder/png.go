package encoder

import (
	"bytes"
	"context"
	"image/png"
	"sync"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// PNG encodes images to PNG format.  Quality has no effect; Lossless selects
// the best compression level.
type PNG struct {
	pool bufferPool
}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanEncode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, "png.encode", err)
	}
	src, err := source("png.encode", img)
	if err != nil {
		return nil, err
	}

	enc := &png.Encoder{CompressionLevel: png.DefaultCompression, BufferPool: &p.pool}
	if opts.Lossless {
		enc.CompressionLevel = png.BestCompression
	}

	var buf bytes.Buffer
	if err := enc.Encode(&buf, src); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, "png.encode", err)
	}

	out := buf.Bytes()
	if opts.Orientation > 1 {
		out = utils.EmbedPNGEXIF(out, utils.BuildEXIFOrientation(opts.Orientation))
	}
	return utils.EmbedPNGICC(out, opts.ICC), nil
}

// bufferPool shares png encoder scratch buffers between calls.
type bufferPool struct {
	p sync.Pool
}

func (b *bufferPool) Get() *png.EncoderBuffer {
	buf, _ := b.p.Get().(*png.EncoderBuffer)
	return buf
}

func (b *bufferPool) Put(buf *png.EncoderBuffer) { b.p.Put(buf) }
