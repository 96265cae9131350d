package pipeline

import (
	"image"
	"sync/atomic"

	"github.com/disintegration/imaging"
)

// store is the reference-counted backing of one or more Buffer handles.
type store struct {
	refs  atomic.Int32
	bytes int64
}

// Buffer is a handle on decoded pixels.  Handles created with Share or by
// a view (crop) point at the same backing store; the pixels are treated as
// immutable while more than one handle exists.  Mutable makes a private
// copy only when the store is shared.
type Buffer struct {
	img    image.Image
	st     *store
	copies *atomic.Int64
}

// NewBuffer wraps img as the sole owner of its pixels.
func NewBuffer(img image.Image) *Buffer {
	st := &store{bytes: PixelBytes(img)}
	st.refs.Store(1)
	return &Buffer{img: img, st: st, copies: new(atomic.Int64)}
}

// Image returns the pixels.  Callers must not write to them unless they got
// them from Mutable.
func (b *Buffer) Image() image.Image { return b.img }

// Bounds returns the pixel bounds.
func (b *Buffer) Bounds() image.Rectangle { return b.img.Bounds() }

// Share returns a new handle on the same pixels.
func (b *Buffer) Share() *Buffer {
	b.st.refs.Add(1)
	return &Buffer{img: b.img, st: b.st, copies: b.copies}
}

// Shared reports whether other handles reference the same pixels.
func (b *Buffer) Shared() bool { return b.st.refs.Load() > 1 }

// Copies returns how many copy-on-write clones were made from this buffer
// lineage.
func (b *Buffer) Copies() int64 { return b.copies.Load() }

// Release drops this handle.  It reports whether it was the last handle and
// how many pixel bytes became unreachable.
func (b *Buffer) Release() (last bool, freed int64) {
	if b == nil || b.st == nil {
		return false, 0
	}
	st := b.st
	b.img, b.st = nil, nil
	if st.refs.Add(-1) == 0 {
		return true, st.bytes
	}
	return false, 0
}

// view returns a handle on a sub-rectangle sharing the same store.  The
// receiver is consumed.
func (b *Buffer) view(img image.Image) *Buffer {
	nb := &Buffer{img: img, st: b.st, copies: b.copies}
	b.img, b.st = nil, nil
	return nb
}

// replace returns a sole-owner handle on img and releases the receiver.
func (b *Buffer) replace(img image.Image) (nb *Buffer, freed int64) {
	nb = &Buffer{img: img, st: &store{bytes: PixelBytes(img)}, copies: b.copies}
	nb.st.refs.Store(1)
	_, freed = b.Release()
	return nb, freed
}

// mutable returns pixels that may be written in place: an *image.NRGBA or
// *image.Gray owned solely by this lineage.  Shared stores and other pixel
// layouts are cloned first.
func (b *Buffer) mutable(t *Tracker) image.Image {
	if !b.Shared() {
		switch img := b.img.(type) {
		case *image.NRGBA:
			return img
		case *image.Gray:
			return img
		}
	}
	clone := imaging.Clone(b.img)
	b.copies.Add(1)
	t.Alloc(PixelBytes(clone))
	nb, freed := b.replace(clone)
	t.Free(freed)
	*b = *nb
	return clone
}

// PixelBytes approximates the memory held by img's pixel storage.
func PixelBytes(img image.Image) int64 {
	if img == nil {
		return 0
	}
	switch p := img.(type) {
	case *image.NRGBA:
		return int64(len(p.Pix))
	case *image.RGBA:
		return int64(len(p.Pix))
	case *image.Gray:
		return int64(len(p.Pix))
	case *image.Gray16:
		return int64(len(p.Pix))
	case *image.NRGBA64:
		return int64(len(p.Pix))
	case *image.RGBA64:
		return int64(len(p.Pix))
	case *image.CMYK:
		return int64(len(p.Pix))
	case *image.Paletted:
		return int64(len(p.Pix))
	case *image.YCbCr:
		return int64(len(p.Y) + len(p.Cb) + len(p.Cr))
	case *image.NYCbCrA:
		return int64(len(p.Y) + len(p.Cb) + len(p.Cr) + len(p.A))
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy()) * 4
}

// Tracker follows the live pixel bytes held by one execution and records
// the peak.  A nil Tracker ignores all calls.
type Tracker struct {
	live atomic.Int64
	peak atomic.Int64
}

// Alloc records n newly live bytes.
func (t *Tracker) Alloc(n int64) {
	if t == nil || n == 0 {
		return
	}
	v := t.live.Add(n)
	for {
		p := t.peak.Load()
		if v <= p || t.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

// Free records n bytes becoming unreachable.
func (t *Tracker) Free(n int64) {
	if t == nil || n == 0 {
		return
	}
	t.live.Add(-n)
}

// Live returns the currently live bytes.
func (t *Tracker) Live() int64 {
	if t == nil {
		return 0
	}
	return t.live.Load()
}

// Peak returns the high-water mark.
func (t *Tracker) Peak() int64 {
	if t == nil {
		return 0
	}
	return t.peak.Load()
}
