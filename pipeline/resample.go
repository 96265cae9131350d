package pipeline

import (
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

func resampleFilter(f Filter) imaging.ResampleFilter {
	switch f {
	case CatmullRom:
		return imaging.CatmullRom
	case Linear:
		return imaging.Linear
	case Box:
		return imaging.Box
	}
	return imaging.Lanczos
}

type indexWeight struct {
	index  int
	weight float64
}

// weightsFor returns the source taps of destination samples [from, to) when
// scaling srcSize to dstSize.  The taps of a sample depend only on its
// position in the full destination, so a window yields exactly the same
// values as the corresponding part of a full resize.
func weightsFor(dstSize, srcSize, from, to int, filter imaging.ResampleFilter) [][]indexWeight {
	out := make([][]indexWeight, to-from)
	if dstSize == srcSize {
		for v := from; v < to; v++ {
			out[v-from] = []indexWeight{{index: v, weight: 1}}
		}
		return out
	}

	du := float64(srcSize) / float64(dstSize)
	scale := math.Max(du, 1)
	ru := math.Ceil(scale * filter.Support)

	for v := from; v < to; v++ {
		fu := (float64(v)+0.5)*du - 0.5
		begin := max(int(math.Ceil(fu-ru)), 0)
		end := min(int(math.Floor(fu+ru)), srcSize-1)

		var (
			taps []indexWeight
			sum  float64
		)
		for u := begin; u <= end; u++ {
			if w := filter.Kernel((float64(u) - fu) / scale); w != 0 {
				sum += w
				taps = append(taps, indexWeight{index: u, weight: w})
			}
		}
		if len(taps) == 0 {
			// Kernels with tiny support can miss every tap; fall back to
			// the nearest source sample.
			taps = []indexWeight{{index: min(max(int(math.Round(fu)), 0), srcSize-1), weight: 1}}
			sum = 1
		}
		for i := range taps {
			taps[i].weight /= sum
		}
		out[v-from] = taps
	}
	return out
}

// resampleWindow scales src to dstW x dstH and returns only the pixels in
// win (destination coordinates, origin at 0,0).  Only the source rows that
// feed win are scanned, and the intermediate buffer spans win's columns
// only.
func resampleWindow(src image.Image, dstW, dstH int, win image.Rectangle, filter imaging.ResampleFilter, procs int, t *Tracker) *image.NRGBA {
	sb := src.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()

	hw := weightsFor(dstW, srcW, win.Min.X, win.Max.X, filter)
	vw := weightsFor(dstH, srcH, win.Min.Y, win.Max.Y, filter)

	rowMin, rowMax := srcH, -1
	for _, taps := range vw {
		for _, tp := range taps {
			rowMin = min(rowMin, tp.index)
			rowMax = max(rowMax, tp.index)
		}
	}

	// Rebase the vertical taps onto the rows held in tmp.
	for _, taps := range vw {
		for i := range taps {
			taps[i].index -= rowMin
		}
	}

	// Horizontal pass: needed source rows x window columns.
	tmp := image.NewNRGBA(image.Rect(0, 0, win.Dx(), rowMax-rowMin+1))
	t.Alloc(int64(len(tmp.Pix)))
	parallel(rowMin, rowMax+1, procs, func(rows <-chan int) {
		line := make([]uint8, srcW*4)
		for y := range rows {
			scanRow(src, sb.Min.Y+y, line)
			j0 := (y - rowMin) * tmp.Stride
			for x, taps := range hw {
				convolve(line, taps, tmp.Pix[j0+x*4:j0+x*4+4:j0+x*4+4])
			}
		}
	})

	// Vertical pass: window rows x window columns.
	dst := image.NewNRGBA(image.Rect(0, 0, win.Dx(), win.Dy()))
	t.Alloc(int64(len(dst.Pix)))
	parallel(0, win.Dx(), procs, func(cols <-chan int) {
		column := make([]uint8, tmp.Rect.Dy()*4)
		for x := range cols {
			for y := 0; y < tmp.Rect.Dy(); y++ {
				copy(column[y*4:y*4+4], tmp.Pix[y*tmp.Stride+x*4:])
			}
			for y, taps := range vw {
				j := y*dst.Stride + x*4
				convolve(column, taps, dst.Pix[j:j+4:j+4])
			}
		}
	})

	t.Free(int64(len(tmp.Pix)))
	return dst
}

// convolve writes the alpha-weighted sum of taps over line into d.
func convolve(line []uint8, taps []indexWeight, d []uint8) {
	var r, g, b, a float64
	for _, w := range taps {
		i := w.index * 4
		s := line[i : i+4 : i+4]
		aw := float64(s[3]) * w.weight
		r += float64(s[0]) * aw
		g += float64(s[1]) * aw
		b += float64(s[2]) * aw
		a += aw
	}
	if a != 0 {
		aInv := 1 / a
		d[0] = clamp(r * aInv)
		d[1] = clamp(g * aInv)
		d[2] = clamp(b * aInv)
		d[3] = clamp(a)
		return
	}
	d[0], d[1], d[2], d[3] = 0, 0, 0, 0
}

// scanRow writes row y of img as non-premultiplied RGBA into dst.
func scanRow(img image.Image, y int, dst []uint8) {
	b := img.Bounds()
	switch p := img.(type) {
	case *image.NRGBA:
		i := p.PixOffset(b.Min.X, y)
		copy(dst, p.Pix[i:i+b.Dx()*4])
		return
	case *image.Gray:
		i := p.PixOffset(b.Min.X, y)
		for x, v := range p.Pix[i : i+b.Dx()] {
			d := dst[x*4 : x*4+4 : x*4+4]
			d[0], d[1], d[2], d[3] = v, v, v, 0xff
		}
		return
	case *image.YCbCr:
		for x := 0; x < b.Dx(); x++ {
			yi := p.YOffset(b.Min.X+x, y)
			ci := p.COffset(b.Min.X+x, y)
			r, g, bb := color.YCbCrToRGB(p.Y[yi], p.Cb[ci], p.Cr[ci])
			d := dst[x*4 : x*4+4 : x*4+4]
			d[0], d[1], d[2], d[3] = r, g, bb, 0xff
		}
		return
	}
	for x := 0; x < b.Dx(); x++ {
		c := color.NRGBAModel.Convert(img.At(b.Min.X+x, y)).(color.NRGBA)
		d := dst[x*4 : x*4+4 : x*4+4]
		d[0], d[1], d[2], d[3] = c.R, c.G, c.B, c.A
	}
}

// clamp rounds and clamps x into uint8.
func clamp(x float64) uint8 {
	v := int64(x + 0.5)
	if v > 255 {
		return 255
	}
	if v > 0 {
		return uint8(v)
	}
	return 0
}

// parallel feeds [start, stop) to at most procs goroutines.
func parallel(start, stop, procs int, fn func(<-chan int)) {
	count := stop - start
	if count < 1 {
		return
	}
	if procs <= 0 {
		procs = runtime.GOMAXPROCS(0)
	}
	procs = min(procs, count)

	c := make(chan int, count)
	for i := start; i < stop; i++ {
		c <- i
	}
	close(c)

	if procs == 1 {
		fn(c)
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < procs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(c)
		}()
	}
	wg.Wait()
}
