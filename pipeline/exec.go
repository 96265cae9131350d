package pipeline

import (
	"context"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// Options tunes an execution.
type Options struct {
	// Parallelism caps the goroutines used inside a single operation.
	// 0 uses GOMAXPROCS.
	Parallelism int
	// Tracker records live pixel bytes; nil disables tracking.
	Tracker *Tracker
}

type execContext struct {
	buf   *Buffer
	state *State
	opts  Options
}

func (ec *execContext) tracker() *Tracker { return ec.opts.Tracker }

// swap replaces the current buffer with a freshly allocated image.
func (ec *execContext) swap(img image.Image) {
	ec.tracker().Alloc(PixelBytes(img))
	nb, freed := ec.buf.replace(img)
	ec.tracker().Free(freed)
	ec.buf = nb
}

// Execute applies plan to in.  Ownership of the in handle passes to Execute;
// the returned handle belongs to the caller.  Steps without a pixel
// mutation never touch the buffer, so a plan without mutations returns a
// handle on the same pixels.  On error the in handle is released.
func Execute(ctx context.Context, plan Plan, in *Buffer, st State, opts Options) (*Buffer, State, error) {
	ec := &execContext{buf: in, state: &st, opts: opts}
	for _, step := range plan.Steps {
		if err := ctx.Err(); err != nil {
			ec.release()
			return nil, st, apperrors.New(apperrors.CodeCancelled, "execute."+string(step.Kind()), err)
		}
		if err := ec.run(step); err != nil {
			ec.release()
			return nil, st, err
		}
	}
	return ec.buf, st, nil
}

func (ec *execContext) release() {
	_, freed := ec.buf.Release()
	ec.tracker().Free(freed)
}

// run resolves step against the actual state, applies it and checks that
// the step stayed within its declared contract.
func (ec *execContext) run(step Operation) error {
	before := *ec.state
	resolved, err := step.resolve(ec.state)
	if err != nil {
		return err
	}
	after := *ec.state
	*ec.state = before

	prevImg := ec.buf.Image()
	if err := resolved.apply(ec); err != nil {
		return err
	}
	*ec.state = after

	c := step.Contract()
	b := ec.buf.Bounds()
	got := core.Dimensions{Width: b.Dx(), Height: b.Dy()}
	switch {
	case got != after.Dims:
		return apperrors.Newf(apperrors.CodeInvariantViolation, "execute."+string(step.Kind()),
			"produced %s, declared %s", got, after.Dims)
	case !c.Has(ChangesGeometry) && got != before.Dims:
		return apperrors.Newf(apperrors.CodeInvariantViolation, "execute."+string(step.Kind()),
			"changed geometry without declaring it")
	case !c.Has(NormalizesColor) && after.Color != before.Color:
		return apperrors.Newf(apperrors.CodeInvariantViolation, "execute."+string(step.Kind()),
			"changed color state without declaring it")
	case !c.Has(MutatesPixels) && !c.Has(ChangesGeometry) && ec.buf.Image() != prevImg:
		return apperrors.Newf(apperrors.CodeInvariantViolation, "execute."+string(step.Kind()),
			"replaced the pixel buffer without declaring a mutation")
	}
	return nil
}

// ── apply implementations ────────────────────────────────────────────────────

func (o Resize) apply(ec *execContext) error {
	b := ec.buf.Bounds()
	if b.Dx() == o.Width && b.Dy() == o.Height {
		return nil
	}
	img := resampleWindow(ec.buf.Image(), o.Width, o.Height, image.Rect(0, 0, o.Width, o.Height),
		resampleFilter(o.Filter), ec.opts.Parallelism, ec.tracker())
	ec.tracker().Free(PixelBytes(img)) // counted by resampleWindow
	ec.swap(img)
	return nil
}

func (o Extract) apply(ec *execContext) error {
	img := resampleWindow(ec.buf.Image(), o.Width, o.Height, o.Rect,
		resampleFilter(o.Filter), ec.opts.Parallelism, ec.tracker())
	ec.tracker().Free(PixelBytes(img))
	ec.swap(img)
	return nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func (o Crop) apply(ec *execContext) error {
	src := ec.buf.Image()
	b := src.Bounds()
	r := o.Rect().Add(b.Min)
	if s, ok := src.(subImager); ok {
		ec.buf = ec.buf.view(s.SubImage(r))
		return nil
	}
	ec.swap(imaging.Crop(src, r))
	return nil
}

func (o Rotate) apply(ec *execContext) error {
	src := ec.buf.Image()
	switch o.Degrees {
	case 90:
		ec.swap(imaging.Rotate270(src))
	case 180:
		ec.swap(imaging.Rotate180(src))
	case 270:
		ec.swap(imaging.Rotate90(src))
	}
	return nil
}

func (FlipH) apply(ec *execContext) error {
	switch img := ec.buf.mutable(ec.tracker()).(type) {
	case *image.NRGBA:
		flipRows(img.Pix, img.Stride, img.Rect, 4, true)
	case *image.Gray:
		flipRows(img.Pix, img.Stride, img.Rect, 1, true)
	}
	return nil
}

func (FlipV) apply(ec *execContext) error {
	switch img := ec.buf.mutable(ec.tracker()).(type) {
	case *image.NRGBA:
		flipRows(img.Pix, img.Stride, img.Rect, 4, false)
	case *image.Gray:
		flipRows(img.Pix, img.Stride, img.Rect, 1, false)
	}
	return nil
}

// flipRows mirrors pixels in place, horizontally or vertically.
func flipRows(pix []uint8, stride int, r image.Rectangle, bpp int, horizontal bool) {
	w, h := r.Dx(), r.Dy()
	rowLen := w * bpp
	if horizontal {
		for y := 0; y < h; y++ {
			row := pix[y*stride : y*stride+rowLen]
			for i, j := 0, (w-1)*bpp; i < j; i, j = i+bpp, j-bpp {
				for k := 0; k < bpp; k++ {
					row[i+k], row[j+k] = row[j+k], row[i+k]
				}
			}
		}
		return
	}
	tmp := make([]uint8, rowLen)
	for top, bot := 0, h-1; top < bot; top, bot = top+1, bot-1 {
		a := pix[top*stride : top*stride+rowLen]
		b := pix[bot*stride : bot*stride+rowLen]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
	}
}

func (AutoOrient) apply(ec *execContext) error {
	if ec.state.Orientation == 0 {
		return apperrors.Newf(apperrors.CodeContractViolation, "execute.auto_orient",
			"input carries no orientation metadata")
	}
	src := ec.buf.Image()
	switch ec.state.Orientation {
	case 2:
		ec.swap(imaging.FlipH(src))
	case 3:
		ec.swap(imaging.Rotate180(src))
	case 4:
		ec.swap(imaging.FlipV(src))
	case 5:
		ec.swap(imaging.Transpose(src))
	case 6:
		ec.swap(imaging.Rotate270(src))
	case 7:
		ec.swap(imaging.Transverse(src))
	case 8:
		ec.swap(imaging.Rotate90(src))
	}
	return nil
}

func (Grayscale) apply(ec *execContext) error {
	if _, ok := ec.buf.Image().(*image.Gray); ok {
		return nil
	}
	switch img := ec.buf.mutable(ec.tracker()).(type) {
	case *image.NRGBA:
		w := img.Rect.Dx() * 4
		for y := 0; y < img.Rect.Dy(); y++ {
			row := img.Pix[y*img.Stride : y*img.Stride+w]
			for i := 0; i < w; i += 4 {
				p := row[i : i+3 : i+3]
				l := uint8((19595*uint32(p[0]) + 38470*uint32(p[1]) + 7471*uint32(p[2]) + 1<<15) >> 16)
				p[0], p[1], p[2] = l, l, l
			}
		}
	}
	return nil
}

func (o Brightness) apply(ec *execContext) error {
	if o.Amount == 0 {
		return nil
	}
	shift := 255.0 * float64(o.Amount) / 100.0
	var lut [256]uint8
	for i := range lut {
		lut[i] = clamp(float64(i) + shift)
	}
	applyLUT(ec.buf.mutable(ec.tracker()), &lut)
	return nil
}

func (o Contrast) apply(ec *execContext) error {
	if o.Amount == 0 {
		return nil
	}
	f := (100.0 + float64(o.Amount)) / 100.0
	var lut [256]uint8
	for i := range lut {
		lut[i] = clamp(((float64(i)/255.0-0.5)*f + 0.5) * 255.0)
	}
	applyLUT(ec.buf.mutable(ec.tracker()), &lut)
	return nil
}

// applyLUT maps color channels through lut in place; alpha is untouched.
func applyLUT(img image.Image, lut *[256]uint8) {
	switch p := img.(type) {
	case *image.NRGBA:
		w := p.Rect.Dx() * 4
		for y := 0; y < p.Rect.Dy(); y++ {
			row := p.Pix[y*p.Stride : y*p.Stride+w]
			for i := 0; i < w; i += 4 {
				row[i] = lut[row[i]]
				row[i+1] = lut[row[i+1]]
				row[i+2] = lut[row[i+2]]
			}
		}
	case *image.Gray:
		w := p.Rect.Dx()
		for y := 0; y < p.Rect.Dy(); y++ {
			row := p.Pix[y*p.Stride : y*p.Stride+w]
			for i, v := range row {
				row[i] = lut[v]
			}
		}
	}
}

func (ColorSpaceNormalize) apply(ec *execContext) error {
	if _, ok := ec.buf.Image().(*image.NRGBA); ok && ec.state.Color == normalizedColor(ec.state.Color) {
		return nil
	}
	src := ec.buf.Image()
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if cmyk, ok := src.(*image.CMYK); ok {
		// Naive conversion; no color management beyond ICC pass-through.
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				c := cmyk.CMYKAt(b.Min.X+x, b.Min.Y+y)
				r, g, bl := color.CMYKToRGB(c.C, c.M, c.Y, c.K)
				i := dst.PixOffset(x, y)
				dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2], dst.Pix[i+3] = r, g, bl, 0xff
			}
		}
	} else {
		xdraw.Copy(dst, image.Point{}, src, b, xdraw.Src, nil)
	}
	ec.swap(dst)
	return nil
}

func (StripMetadata) apply(*execContext) error { return nil }
