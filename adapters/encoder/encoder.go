// Package encoder provides format-specific image encoders.  Encoders embed
// the ICC profile and EXIF orientation carried in core.EncodeOptions.
package encoder

import (
	"image"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

const defaultQuality = 85

// source returns the pixels to encode.  Gray color state on RGB pixels is
// collapsed to a single channel so the output carries no chroma.
func source(op string, img *core.ImageData) (image.Image, error) {
	if img == nil || img.Image == nil {
		return nil, apperrors.New(apperrors.CodeEmptyInput, op, apperrors.ErrEmptyInput)
	}
	if img.Color.ColorSpace == core.ColorSpaceGray {
		if nrgba, ok := img.Image.(*image.NRGBA); ok && opaque(nrgba) {
			return toGray(nrgba), nil
		}
	}
	return img.Image, nil
}

func opaque(img *image.NRGBA) bool {
	w := img.Rect.Dx() * 4
	for y := 0; y < img.Rect.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for i := 3; i < w; i += 4 {
			if row[i] != 0xff {
				return false
			}
		}
	}
	return true
}

func toGray(img *image.NRGBA) *image.Gray {
	b := img.Rect
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride:]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+b.Dx()]
		for x := range row {
			row[x] = src[x*4]
		}
	}
	return dst
}

func quality(q, fallback int) int {
	switch {
	case q > 100:
		return 100
	case q > 0:
		return q
	case fallback > 0:
		return fallback
	}
	return defaultQuality
}

// Register installs every encoder in this package into reg.
func Register(reg core.Registry, defaultQuality int) {
	reg.RegisterEncoder(core.FormatJPEG, NewJPEG(defaultQuality))
	reg.RegisterEncoder(core.FormatPNG, NewPNG())
	reg.RegisterEncoder(core.FormatWebP, NewWebP(defaultQuality))
}
