package core

import (
	"fmt"
	"image"
	"strings"
	"time"
)

// Format identifies an image codec.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatAVIF    Format = "avif"
	FormatGIF     Format = "gif"
	FormatUnknown Format = "unknown"
)

// ParseFormat maps a user supplied name or extension to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimPrefix(strings.ToLower(s), ".") {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "avif":
		return FormatAVIF, nil
	case "gif":
		return FormatGIF, nil
	}
	return FormatUnknown, fmt.Errorf("unknown format %q", s)
}

// Extension returns the canonical file extension including the dot.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return "." + string(f)
}

// MIME returns the media type of f.
func (f Format) MIME() string {
	switch f {
	case FormatJPEG, FormatPNG, FormatWebP, FormatAVIF, FormatGIF:
		return "image/" + string(f)
	}
	return "application/octet-stream"
}

// ColorSpace represents the image colour model.
type ColorSpace string

const (
	ColorSpaceSRGB    ColorSpace = "srgb"
	ColorSpaceGray    ColorSpace = "gray"
	ColorSpaceCMYK    ColorSpace = "cmyk"
	ColorSpaceUnknown ColorSpace = "unknown"
)

// Transfer is the transfer function of the pixel values.
type Transfer string

const (
	TransferSRGB    Transfer = "srgb"
	TransferLinear  Transfer = "linear"
	TransferUnknown Transfer = "unknown"
)

// ColorState travels with the pixel buffer.  Only operations that declare a
// color normalising effect may change it.
type ColorState struct {
	ColorSpace ColorSpace
	BitDepth   int
	Transfer   Transfer
	ICCPresent bool
}

// ColorStateOf derives the color state from the concrete pixel type.
func ColorStateOf(img image.Image, iccPresent bool) ColorState {
	cs := ColorState{ColorSpace: ColorSpaceSRGB, BitDepth: 8, Transfer: TransferSRGB, ICCPresent: iccPresent}
	switch img.(type) {
	case *image.Gray:
		cs.ColorSpace = ColorSpaceGray
	case *image.Gray16:
		cs.ColorSpace = ColorSpaceGray
		cs.BitDepth = 16
	case *image.CMYK:
		cs.ColorSpace = ColorSpaceCMYK
	case *image.RGBA64, *image.NRGBA64:
		cs.BitDepth = 16
	}
	return cs
}

// Dimensions is a width/height pair.
type Dimensions struct {
	Width, Height int
}

// Pixels returns Width*Height as int64.
func (d Dimensions) Pixels() int64 { return int64(d.Width) * int64(d.Height) }

// Valid reports whether both axes are positive.
func (d Dimensions) Valid() bool { return d.Width > 0 && d.Height > 0 }

func (d Dimensions) String() string { return fmt.Sprintf("%dx%d", d.Width, d.Height) }

// Metadata holds image information extracted without touching pixel data.
type Metadata struct {
	Width       int
	Height      int
	Format      Format
	HasEXIF     bool
	Orientation int    // EXIF orientation tag (1-8); 0 when absent
	ICC         []byte // embedded ICC profile, nil when absent
	SizeBytes   int64
}

// Dimensions returns the declared width and height.
func (m Metadata) Dimensions() Dimensions { return Dimensions{Width: m.Width, Height: m.Height} }

// ImageData is the decoded representation handed between codecs and the
// execution engine.  Image is never copied implicitly; see pipeline.Buffer
// for the sharing rules.
type ImageData struct {
	Image  image.Image
	Format Format
	Color  ColorState
	Meta   Metadata
}

// EncodeOptions carries format-specific encoding parameters.
type EncodeOptions struct {
	Quality    int  // 1-100; 0 = use encoder default
	Lossless   bool // WebP / PNG lossless mode
	Interlaced bool // progressive JPEG / interlaced PNG
	// ICC is embedded when the encoder supports it.  Nil strips the profile.
	ICC []byte
	// Orientation is written as an EXIF tag when > 1.
	Orientation int
}

// Stage names a step of the execution engine.
type Stage string

const (
	StageInspect   Stage = "inspect"
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageEncode    Stage = "encode"
)

// StageInfo describes the subject of a stage event.
type StageInfo struct {
	SourceID string
	Format   Format
	Width    int
	Height   int
	Bytes    int64
}

// StorageKey uniquely identifies a stored image.
type StorageKey struct {
	Bucket string
	Path   string
}

func (k StorageKey) String() string {
	if k.Bucket == "" {
		return k.Path
	}
	return k.Bucket + "/" + k.Path
}

// Clock is the time source; tests inject fakes.
type Clock func() time.Time
