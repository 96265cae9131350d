package decoder

import (
	"bytes"
	"context"
	"image"

	"golang.org/x/image/webp"

	"github.com/Skryldev/image-optimizer/core"
)

// WebP decodes lossy and lossless still WebP images using
// golang.org/x/image/webp.  Animated files decode to their first frame.
type WebP struct{}

func NewWebP() *WebP { return &WebP{} }

func (w *WebP) CanDecode(format core.Format) bool { return format == core.FormatWebP }

func (w *WebP) Decode(ctx context.Context, data []byte) (*core.ImageData, error) {
	return decode(ctx, "webp.decode", core.FormatWebP, data, func(r *bytes.Reader) (image.Image, error) {
		return webp.Decode(r)
	})
}
