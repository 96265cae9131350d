package decoder

import (
	"bytes"
	"context"
	"image"
	"image/gif"

	"github.com/Skryldev/image-optimizer/core"
)

// GIF decodes the first frame of a GIF image.
type GIF struct{}

func NewGIF() *GIF { return &GIF{} }

func (g *GIF) CanDecode(format core.Format) bool { return format == core.FormatGIF }

func (g *GIF) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	return decode(ctx, "gif.decode", core.FormatGIF, data, func(r *bytes.Reader) (image.Image, error) {
		return gif.Decode(r)
	})
}
