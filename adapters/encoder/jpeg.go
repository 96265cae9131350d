package encoder

import (
	"bytes"
	"context"
	"image/jpeg"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// JPEG encodes images to JPEG format.
type JPEG struct {
	DefaultQuality int // used when EncodeOptions.Quality == 0
}

func NewJPEG(defaultQuality int) *JPEG {
	if defaultQuality <= 0 {
		defaultQuality = 85
	}
	return &JPEG{DefaultQuality: defaultQuality}
}

func (j *JPEG) CanEncode(format core.Format) bool { return format == core.FormatJPEG }

func (j *JPEG) Encode(ctx context.Context, img *core.ImageData, opts core.EncodeOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, "jpeg.encode", err)
	}
	src, err := source("jpeg.encode", img)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality(opts.Quality, j.DefaultQuality)}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeEncodeFailed, "jpeg.encode", err)
	}

	out := buf.Bytes()
	// APP2 goes in first so the APP1 inserted after it ends up directly
	// behind SOI.
	out = utils.EmbedJPEGICC(out, opts.ICC)
	if opts.Orientation > 1 {
		out = utils.EmbedJPEGEXIF(out, utils.BuildEXIFOrientation(opts.Orientation))
	}
	return out, nil
}
