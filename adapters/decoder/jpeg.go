package decoder

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"

	"github.com/Skryldev/image-optimizer/core"
)

// JPEG decodes JPEG images using the standard library.  CMYK and YCCK
// images decode to *image.CMYK.
type JPEG struct{}

// NewJPEG returns an initialised JPEG decoder.
func NewJPEG() *JPEG { return &JPEG{} }

func (j *JPEG) CanDecode(format core.Format) bool { return format == core.FormatJPEG }

func (j *JPEG) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	return decode(ctx, "jpeg.decode", core.FormatJPEG, data, func(r *bytes.Reader) (image.Image, error) {
		return jpeg.Decode(r)
	})
}
