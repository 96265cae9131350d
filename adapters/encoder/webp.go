package encoder

import (
	"bytes"
	"context"

	"github.com/chai2010/webp"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// WebP encodes images to WebP through libwebp (github.com/chai2010/webp).
// ICC and EXIF are attached as VP8X metadata chunks.
type WebP struct {
	DefaultQuality int
}

func NewWebP(defaultQuality int) *WebP {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &WebP{DefaultQuality: defaultQuality}
}

func (w *WebP) CanEncode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, "webp.encode", err)
	}
	src, err := source("webp.encode", img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	err = webp.Encode(&buf, src, &webp.Options{
		Lossless: opts.Lossless,
		Quality:  float32(quality(opts.Quality, w.DefaultQuality)),
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, "webp.encode", err)
	}

	out := buf.Bytes()
	if len(opts.ICC) > 0 {
		if out, err = webp.SetMetadata(out, opts.ICC, "ICCP"); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, "webp.icc", err)
		}
	}
	if opts.Orientation > 1 {
		if out, err = webp.SetMetadata(out, utils.BuildEXIFOrientation(opts.Orientation), "EXIF"); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, "webp.exif", err)
		}
	}
	return out, nil
}
