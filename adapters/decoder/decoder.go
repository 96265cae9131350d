// Package decoder provides format-specific image decoders built on the
// standard library codecs and golang.org/x/image.
package decoder

import (
	"bytes"
	"context"
	"image"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// decodeFunc is the shape of image/jpeg.Decode and friends.
type decodeFunc func(r *bytes.Reader) (image.Image, error)

// decode runs fn over data and attaches the container metadata.
func decode(ctx context.Context, op string, format core.Format, data []byte, fn decodeFunc) (*core.ImageData, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.New(apperrors.CodeCancelled, op, err)
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.CodeEmptyInput, op, apperrors.ErrEmptyInput)
	}

	img, err := fn(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeCorruptInput, op, err)
	}

	cm := utils.ParseContainerMetadata(data)
	b := img.Bounds()
	return &core.ImageData{
		Image:  img,
		Format: format,
		Color:  core.ColorStateOf(img, len(cm.ICC) > 0),
		Meta: core.Metadata{
			Width:       b.Dx(),
			Height:      b.Dy(),
			Format:      format,
			HasEXIF:     cm.HasEXIF,
			Orientation: cm.Orientation,
			ICC:         cm.ICC,
			SizeBytes:   int64(len(data)),
		},
	}, nil
}

// Register installs every decoder in this package into reg.
func Register(reg core.Registry) {
	reg.RegisterDecoder(core.FormatJPEG, NewJPEG())
	reg.RegisterDecoder(core.FormatPNG, NewPNG())
	reg.RegisterDecoder(core.FormatWebP, NewWebP())
	reg.RegisterDecoder(core.FormatGIF, NewGIF())
}
