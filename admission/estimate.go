// Package admission predicts the peak memory of a pipeline run and gates
// concurrent runs against a shared memory budget.
package admission

import (
	"fmt"

	"github.com/Skryldev/image-optimizer/core"
)

// FixedOverhead covers codec scratch space.
const FixedOverhead int64 = 24 << 20

// Estimate is a predicted peak resident size for one pipeline run.
type Estimate struct {
	Bytes         int64
	Dims          core.Dimensions
	BytesPerPixel int
	// Exact is true when the estimate was computed from decoded pixels
	// rather than header metadata.
	Exact bool
}

func (e Estimate) String() string {
	kind := "header"
	if e.Exact {
		kind = "decoded"
	}
	return fmt.Sprintf("%s %s x %dB + overhead = %dB", kind, e.Dims, e.BytesPerPixel, e.Bytes)
}

// BytesPerPixel is 3 for JPEG output (no alpha) and 4 otherwise.
func BytesPerPixel(out core.Format) int {
	if out == core.FormatJPEG {
		return 3
	}
	return 4
}

func estimate(d core.Dimensions, out core.Format, exact bool) Estimate {
	bpp := BytesPerPixel(out)
	return Estimate{
		Bytes:         d.Pixels()*int64(bpp) + FixedOverhead,
		Dims:          d,
		BytesPerPixel: bpp,
		Exact:         exact,
	}
}

// EstimateHeader predicts the peak from header-declared geometry.  Callers
// pass the largest geometry the plan will materialise, which makes the
// prediction conservative.
func EstimateHeader(d core.Dimensions, out core.Format) Estimate {
	return estimate(d, out, false)
}

// EstimateDecoded predicts the peak from the decoded buffer's geometry.
func EstimateDecoded(d core.Dimensions, out core.Format) Estimate {
	return estimate(d, out, true)
}

// Largest returns the dimensions with the most pixels.
func Largest(dims ...core.Dimensions) core.Dimensions {
	var best core.Dimensions
	for _, d := range dims {
		if d.Pixels() > best.Pixels() {
			best = d
		}
	}
	return best
}
