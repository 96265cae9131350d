// Package pipeline holds the lazily planned operation queue, the fusion
// planner and the copy-on-write executor that applies a plan to decoded
// pixels.
package pipeline

import (
	"fmt"
	"image"
	"strings"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// Kind tags the operation variant.
type Kind string

const (
	KindResize              Kind = "resize"
	KindExtract             Kind = "extract"
	KindCrop                Kind = "crop"
	KindRotate              Kind = "rotate"
	KindFlipH               Kind = "flip_h"
	KindFlipV               Kind = "flip_v"
	KindGrayscale           Kind = "grayscale"
	KindBrightness          Kind = "brightness"
	KindContrast            Kind = "contrast"
	KindAutoOrient          Kind = "auto_orient"
	KindColorSpaceNormalize Kind = "colorspace_normalize"
	KindStripMetadata       Kind = "strip_metadata"
)

// Requirement is a prerequisite an operation declares.
type Requirement uint8

const (
	RequiresDecodedPixels Requirement = 1 << iota
	RequiresColorState
	RequiresOrientation
)

// Effect is a change an operation declares.
type Effect uint8

const (
	MutatesPixels Effect = 1 << iota
	ChangesGeometry
	NormalizesColor
)

// Contract pairs an operation's prerequisites with its effects.
type Contract struct {
	Requires Requirement
	Effects  Effect
}

// Needs reports whether every bit of r is required.
func (c Contract) Needs(r Requirement) bool { return c.Requires&r == r }

// Has reports whether every bit of e is declared.
func (c Contract) Has(e Effect) bool { return c.Effects&e == e }

func (c Contract) String() string {
	var req, eff []string
	for _, r := range []struct {
		bit  Requirement
		name string
	}{{RequiresDecodedPixels, "decoded_pixels"}, {RequiresColorState, "color_state"}, {RequiresOrientation, "orientation"}} {
		if c.Needs(r.bit) {
			req = append(req, r.name)
		}
	}
	for _, e := range []struct {
		bit  Effect
		name string
	}{{MutatesPixels, "mutates_pixels"}, {ChangesGeometry, "changes_geometry"}, {NormalizesColor, "normalizes_color"}} {
		if c.Has(e.bit) {
			eff = append(eff, e.name)
		}
	}
	return fmt.Sprintf("requires[%s] effects[%s]", strings.Join(req, ","), strings.Join(eff, ","))
}

// Operation is a queued transform.  The interface is sealed: every variant
// must declare its contract, a resolve step that validates and updates the
// declared state, and an execution step.
type Operation interface {
	Kind() Kind
	Contract() Contract
	String() string

	// resolve validates the operation against s, advances s to the state
	// after the operation and returns the operation with any derived
	// parameters filled in.
	resolve(s *State) (Operation, error)
	apply(ec *execContext) error
}

// State is the declared (header) or actual (decoded) state an operation is
// validated against.  Unknown fields defer validation to execution time.
type State struct {
	Dims             core.Dimensions
	DimsKnown        bool
	Orientation      int // 0 = no orientation metadata
	OrientationKnown bool
	Color            core.ColorState
	ColorKnown       bool
	MetadataStripped bool
}

// DecodedState builds the fully known state of a decoded image.
func DecodedState(img image.Image, color core.ColorState, orientation int) State {
	b := img.Bounds()
	return State{
		Dims:             core.Dimensions{Width: b.Dx(), Height: b.Dy()},
		DimsKnown:        true,
		Orientation:      orientation,
		OrientationKnown: true,
		Color:            color,
		ColorKnown:       true,
	}
}

func contractViolation(op Operation, format string, args ...any) *apperrors.ProcessingError {
	return apperrors.Newf(apperrors.CodeContractViolation, "enqueue."+string(op.Kind()), format, args...)
}

// ── Resize / Extract / Crop ──────────────────────────────────────────────────

// Filter selects the resampling kernel.
type Filter string

const (
	Lanczos    Filter = "lanczos"
	CatmullRom Filter = "catmullrom"
	Linear     Filter = "linear"
	Box        Filter = "box"
)

// Resize scales the image.  A zero axis is derived from the other one,
// preserving aspect ratio.
type Resize struct {
	Width, Height int
	Filter        Filter
}

func (Resize) Kind() Kind { return KindResize }
func (Resize) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: MutatesPixels | ChangesGeometry}
}
func (o Resize) String() string { return fmt.Sprintf("resize(%dx%d)", o.Width, o.Height) }

func (o Resize) resolve(s *State) (Operation, error) {
	if o.Width < 0 || o.Height < 0 || (o.Width == 0 && o.Height == 0) {
		return nil, apperrors.Newf(apperrors.CodeInvalidParameter, "enqueue.resize",
			"invalid resize target %dx%d", o.Width, o.Height)
	}
	if err := checkFilter(o.Filter); err != nil {
		return nil, err
	}
	if !s.DimsKnown {
		return o, nil
	}
	o.Width, o.Height = utils.ScaleDimensions(s.Dims.Width, s.Dims.Height, o.Width, o.Height)
	s.Dims = core.Dimensions{Width: o.Width, Height: o.Height}
	return o, nil
}

func (o Resize) resolved() bool { return o.Width > 0 && o.Height > 0 }

// Extract is a resize to Width x Height followed by a crop of Rect, computed
// in one pass without materialising the full resized image.
type Extract struct {
	Width, Height int
	Rect          image.Rectangle
	Filter        Filter
}

func (Extract) Kind() Kind { return KindExtract }
func (Extract) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: MutatesPixels | ChangesGeometry}
}
func (o Extract) String() string {
	return fmt.Sprintf("extract(%dx%d %v)", o.Width, o.Height, o.Rect)
}

func (o Extract) resolve(s *State) (Operation, error) {
	if o.Width <= 0 || o.Height <= 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidParameter, "enqueue.extract",
			"invalid resize target %dx%d", o.Width, o.Height)
	}
	if err := checkFilter(o.Filter); err != nil {
		return nil, err
	}
	if o.Rect.Empty() || !o.Rect.In(image.Rect(0, 0, o.Width, o.Height)) {
		return nil, apperrors.Newf(apperrors.CodeCropOutOfBounds, "enqueue.extract",
			"region %v outside %dx%d", o.Rect, o.Width, o.Height)
	}
	s.Dims = core.Dimensions{Width: o.Rect.Dx(), Height: o.Rect.Dy()}
	return o, nil
}

// Crop keeps the rectangle (X, Y, Width, Height).  It is a view over the
// existing buffer; no pixels are copied.
type Crop struct {
	X, Y, Width, Height int
}

func (Crop) Kind() Kind { return KindCrop }
func (Crop) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: ChangesGeometry}
}
func (o Crop) String() string { return fmt.Sprintf("crop(%d,%d %dx%d)", o.X, o.Y, o.Width, o.Height) }

// Rect returns the crop rectangle.
func (o Crop) Rect() image.Rectangle { return image.Rect(o.X, o.Y, o.X+o.Width, o.Y+o.Height) }

func (o Crop) resolve(s *State) (Operation, error) {
	if o.X < 0 || o.Y < 0 || o.Width <= 0 || o.Height <= 0 {
		return nil, apperrors.Newf(apperrors.CodeCropOutOfBounds, "enqueue.crop",
			"invalid crop region %v", o.Rect())
	}
	if s.DimsKnown && !o.Rect().In(image.Rect(0, 0, s.Dims.Width, s.Dims.Height)) {
		return nil, apperrors.Newf(apperrors.CodeCropOutOfBounds, "enqueue.crop",
			"region %v outside %s", o.Rect(), s.Dims).
			WithHint("crop coordinates are relative to the image after preceding operations")
	}
	s.Dims = core.Dimensions{Width: o.Width, Height: o.Height}
	return o, nil
}

// ── Orientation ──────────────────────────────────────────────────────────────

// Rotate turns the image clockwise by a multiple of 90 degrees.  Negative
// values rotate counter-clockwise.
type Rotate struct {
	Degrees int
}

func (Rotate) Kind() Kind { return KindRotate }
func (Rotate) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: MutatesPixels | ChangesGeometry}
}
func (o Rotate) String() string { return fmt.Sprintf("rotate(%d)", o.Degrees) }

func (o Rotate) resolve(s *State) (Operation, error) {
	if o.Degrees == 0 || o.Degrees%90 != 0 || o.Degrees > 270 || o.Degrees < -270 {
		return nil, apperrors.Newf(apperrors.CodeInvalidRotation, "enqueue.rotate",
			"rotation must be ±90, ±180 or ±270 degrees, got %d", o.Degrees).
			WithHint("arbitrary angles are not supported")
	}
	o.Degrees = (o.Degrees + 360) % 360
	if o.Degrees != 180 {
		s.Dims = core.Dimensions{Width: s.Dims.Height, Height: s.Dims.Width}
	}
	return o, nil
}

// FlipH mirrors the image horizontally.
type FlipH struct{}

func (FlipH) Kind() Kind { return KindFlipH }
func (FlipH) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: MutatesPixels}
}
func (FlipH) String() string { return "flip_h" }
func (o FlipH) resolve(*State) (Operation, error) { return o, nil }

// FlipV mirrors the image vertically.
type FlipV struct{}

func (FlipV) Kind() Kind { return KindFlipV }
func (FlipV) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels, Effects: MutatesPixels}
}
func (FlipV) String() string { return "flip_v" }
func (o FlipV) resolve(*State) (Operation, error) { return o, nil }

// AutoOrient applies the EXIF orientation to the pixels and resets the tag.
type AutoOrient struct{}

func (AutoOrient) Kind() Kind { return KindAutoOrient }
func (AutoOrient) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels | RequiresOrientation, Effects: MutatesPixels | ChangesGeometry}
}
func (AutoOrient) String() string { return "auto_orient" }

func (o AutoOrient) resolve(s *State) (Operation, error) {
	if !s.OrientationKnown {
		return o, nil
	}
	if s.Orientation == 0 {
		if s.MetadataStripped {
			return nil, contractViolation(o, "orientation metadata was stripped by an earlier operation")
		}
		return nil, contractViolation(o, "input carries no orientation metadata")
	}
	if s.Orientation >= 5 {
		s.Dims = core.Dimensions{Width: s.Dims.Height, Height: s.Dims.Width}
	}
	s.Orientation = 1
	return o, nil
}

// ── Color ────────────────────────────────────────────────────────────────────

// Grayscale converts to luma, keeping alpha.
type Grayscale struct{}

func (Grayscale) Kind() Kind { return KindGrayscale }
func (Grayscale) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels | RequiresColorState, Effects: MutatesPixels | NormalizesColor}
}
func (Grayscale) String() string { return "grayscale" }

func (o Grayscale) resolve(s *State) (Operation, error) {
	if s.ColorKnown {
		s.Color = grayscaleColor(s.Color)
	}
	return o, nil
}

func grayscaleColor(c core.ColorState) core.ColorState {
	// An RGB or CMYK profile does not describe gray output.
	if c.ColorSpace != core.ColorSpaceGray {
		c.ICCPresent = false
	}
	c.ColorSpace = core.ColorSpaceGray
	c.BitDepth = 8
	c.Transfer = core.TransferSRGB
	return c
}

// Brightness shifts all channels by Amount percent of full scale.
type Brightness struct {
	Amount int // -100..100
}

func (Brightness) Kind() Kind { return KindBrightness }
func (Brightness) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels | RequiresColorState, Effects: MutatesPixels}
}
func (o Brightness) String() string { return fmt.Sprintf("brightness(%d)", o.Amount) }

func (o Brightness) resolve(s *State) (Operation, error) {
	if err := checkAmount(o, o.Amount); err != nil {
		return nil, err
	}
	return o, checkAdjustable(o, s)
}

// Contrast scales channel distance from mid-gray by Amount percent.
type Contrast struct {
	Amount int // -100..100
}

func (Contrast) Kind() Kind { return KindContrast }
func (Contrast) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels | RequiresColorState, Effects: MutatesPixels}
}
func (o Contrast) String() string { return fmt.Sprintf("contrast(%d)", o.Amount) }

func (o Contrast) resolve(s *State) (Operation, error) {
	if err := checkAmount(o, o.Amount); err != nil {
		return nil, err
	}
	return o, checkAdjustable(o, s)
}

func checkAmount(op Operation, amount int) error {
	if amount < -100 || amount > 100 {
		return apperrors.Newf(apperrors.CodeInvalidParameter, "enqueue."+string(op.Kind()),
			"amount must be within -100..100, got %d", amount)
	}
	return nil
}

// checkAdjustable rejects tone adjustments on subtractive color data.
func checkAdjustable(op Operation, s *State) error {
	if s.ColorKnown && s.Color.ColorSpace == core.ColorSpaceCMYK {
		return contractViolation(op, "tone adjustment on %s data", s.Color.ColorSpace).
			WithHint("enqueue ColorSpaceNormalize first")
	}
	return nil
}

// ColorSpaceNormalize converts the pixels to 8-bit sRGB.
type ColorSpaceNormalize struct{}

func (ColorSpaceNormalize) Kind() Kind { return KindColorSpaceNormalize }
func (ColorSpaceNormalize) Contract() Contract {
	return Contract{Requires: RequiresDecodedPixels | RequiresColorState, Effects: MutatesPixels | NormalizesColor}
}
func (ColorSpaceNormalize) String() string { return "colorspace_normalize" }

func (o ColorSpaceNormalize) resolve(s *State) (Operation, error) {
	if s.ColorKnown {
		s.Color = normalizedColor(s.Color)
	}
	return o, nil
}

func normalizedColor(c core.ColorState) core.ColorState {
	if c.ColorSpace != core.ColorSpaceSRGB {
		c.ICCPresent = false
	}
	return core.ColorState{ColorSpace: core.ColorSpaceSRGB, BitDepth: 8, Transfer: core.TransferSRGB, ICCPresent: c.ICCPresent}
}

// ── Metadata ─────────────────────────────────────────────────────────────────

// StripMetadata drops EXIF and ICC data from the output.  Pixels are not
// touched.
type StripMetadata struct{}

func (StripMetadata) Kind() Kind { return KindStripMetadata }
func (StripMetadata) Contract() Contract { return Contract{} }
func (StripMetadata) String() string { return "strip_metadata" }

func (o StripMetadata) resolve(s *State) (Operation, error) {
	s.MetadataStripped = true
	s.Orientation = 0
	return o, nil
}

func checkFilter(f Filter) error {
	switch f {
	case "", Lanczos, CatmullRom, Linear, Box:
		return nil
	}
	return apperrors.Newf(apperrors.CodeInvalidParameter, "enqueue.filter", "unknown filter %q", f)
}
