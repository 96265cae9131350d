package decoder

import (
	"bytes"
	"context"
	"image"
	"image/png"

	"github.com/Skryldev/image-optimizer/core"
)

// PNG decodes PNG images using the standard library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (p *PNG) CanDecode(format core.Format) bool { return format == core.FormatPNG }

func (p *PNG) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	return decode(ctx, "png.decode", core.FormatPNG, data, func(r *bytes.Reader) (image.Image, error) {
		return png.Decode(r)
	})
}
