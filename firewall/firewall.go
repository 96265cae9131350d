// Package firewall validates untrusted input against pixel, byte, time and
// ICC budgets before any pixel buffer is allocated.
package firewall

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF header parsing
	_ "image/jpeg" // register JPEG header parsing
	_ "image/png"  // register PNG header parsing
	"strings"
	"time"

	_ "golang.org/x/image/webp" // register WebP header parsing

	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// ICCBlocked as MaxICCBytes rejects any embedded profile.
const ICCBlocked int64 = -1

// Policy bounds what an input may cost.  A zero field disables that check.
type Policy struct {
	Name        string
	MaxPixels   int64
	MaxBytes    int64
	Timeout     time.Duration
	MaxICCBytes int64
}

var (
	Strict  = Policy{Name: "strict", MaxPixels: 40_000_000, MaxBytes: 32 << 20, Timeout: 5 * time.Second, MaxICCBytes: ICCBlocked}
	Lenient = Policy{Name: "lenient", MaxPixels: 75_000_000, MaxBytes: 48 << 20, Timeout: 30 * time.Second, MaxICCBytes: 512 << 10}
	None    = Policy{Name: "none", MaxPixels: 1_000_000_000}
)

// Preset returns the named canonical policy.
func Preset(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "strict", "":
		return Strict, nil
	case "lenient":
		return Lenient, nil
	case "none":
		return None, nil
	}
	return Policy{}, apperrors.Newf(apperrors.CodeInvalidPolicy, "firewall.preset", "unknown policy %q", name).
		WithHint("use one of `strict`, `lenient`, `none`")
}

// Apply returns p with every non-nil override field replacing the preset.
func (p Policy) Apply(o config.PolicyOverride) Policy {
	if o.MaxPixels != nil {
		p.MaxPixels = *o.MaxPixels
	}
	if o.MaxBytes != nil {
		p.MaxBytes = *o.MaxBytes
	}
	if o.Timeout != nil {
		p.Timeout = *o.Timeout
	}
	if o.MaxICCBytes != nil {
		p.MaxICCBytes = *o.MaxICCBytes
	}
	return p
}

// FromConfig resolves the configured preset and applies the override.
func FromConfig(cfg config.Config) (Policy, error) {
	p, err := Preset(cfg.FirewallPolicy)
	if err != nil {
		return Policy{}, err
	}
	return p.Apply(cfg.PolicyOverride), nil
}

// Kind names a firewall violation.
type Kind string

const (
	PixelsExceeded  Kind = "PixelsExceeded"
	BytesExceeded   Kind = "BytesExceeded"
	IccExceeded     Kind = "IccExceeded"
	TimeoutExceeded Kind = "TimeoutExceeded"
)

var kindCodes = map[Kind]apperrors.Code{
	PixelsExceeded:  apperrors.CodePixelsExceeded,
	BytesExceeded:   apperrors.CodeBytesExceeded,
	IccExceeded:     apperrors.CodeIccExceeded,
	TimeoutExceeded: apperrors.CodeTimeoutExceeded,
}

// Violation is the cause of every firewall rejection.  Observed and Limit
// are pixels, bytes or milliseconds depending on Kind.
type Violation struct {
	Kind     Kind
	Observed int64
	Limit    int64
	Hint     string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: observed %d, limit %d", v.Kind, v.Observed, v.Limit)
}

// AsViolation extracts the Violation from err.
func AsViolation(err error) (*Violation, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}

func (p Policy) violation(op string, kind Kind, observed, limit int64) error {
	v := &Violation{Kind: kind, Observed: observed, Limit: limit, Hint: p.hint(kind)}
	return apperrors.New(kindCodes[kind], op, v).WithHint(v.Hint)
}

func (p Policy) hint(kind Kind) string {
	field := map[Kind]string{
		PixelsExceeded:  "maxPixels",
		BytesExceeded:   "maxBytes",
		IccExceeded:     "maxIccBytes",
		TimeoutExceeded: "timeout",
	}[kind]
	switch p.Name {
	case "strict":
		return fmt.Sprintf("retry with `lenient` or raise `%s`", field)
	case "lenient":
		return fmt.Sprintf("retry with `none` or raise `%s`", field)
	}
	return fmt.Sprintf("raise `%s`", field)
}

// CheckBytes rejects inputs larger than MaxBytes.
func (p Policy) CheckBytes(n int64) error {
	if p.MaxBytes > 0 && n > p.MaxBytes {
		return p.violation("firewall.bytes", BytesExceeded, n, p.MaxBytes)
	}
	return nil
}

// CheckPixels rejects geometries with more than MaxPixels pixels.
func (p Policy) CheckPixels(d core.Dimensions) error {
	if px := d.Pixels(); p.MaxPixels > 0 && px > p.MaxPixels {
		return p.violation("firewall.pixels", PixelsExceeded, px, p.MaxPixels)
	}
	return nil
}

// CheckICC rejects embedded profiles larger than MaxICCBytes, or any
// profile when ICC is blocked.
func (p Policy) CheckICC(n int64) error {
	switch {
	case n <= 0:
		return nil
	case p.MaxICCBytes == ICCBlocked:
		return p.violation("firewall.icc", IccExceeded, n, 0)
	case p.MaxICCBytes > 0 && n > p.MaxICCBytes:
		return p.violation("firewall.icc", IccExceeded, n, p.MaxICCBytes)
	}
	return nil
}

// Declared is what the container header claims about an input.
type Declared struct {
	Format core.Format
	Bytes  int64
	Dims   core.Dimensions
	// DimsTrusted is false when the header could not be parsed without a
	// full decode; the decoded dimensions are then checked instead.
	DimsTrusted bool
	Orientation int
	HasEXIF     bool
	ICC         []byte
	ICCBytes    int64
}

// Metadata converts the declaration into core metadata.
func (d Declared) Metadata() core.Metadata {
	return core.Metadata{
		Width:       d.Dims.Width,
		Height:      d.Dims.Height,
		Format:      d.Format,
		HasEXIF:     d.HasEXIF,
		Orientation: d.Orientation,
		ICC:         d.ICC,
		SizeBytes:   d.Bytes,
	}
}

// Inspect validates data against p using header information only.
func Inspect(data []byte, p Policy) (Declared, error) {
	const op = "firewall.inspect"

	d := Declared{Bytes: int64(len(data))}
	if len(data) == 0 {
		return d, apperrors.New(apperrors.CodeEmptyInput, op, apperrors.ErrEmptyInput)
	}
	if err := p.CheckBytes(d.Bytes); err != nil {
		return d, err
	}

	d.Format = core.Format(utils.DetectFormat(data))
	if d.Format == core.FormatUnknown {
		return d, apperrors.New(apperrors.CodeUnsupportedFormat, op, apperrors.ErrUnsupportedFormat)
	}

	meta := utils.ParseContainerMetadata(data)
	d.Orientation = meta.Orientation
	d.HasEXIF = meta.HasEXIF
	d.ICC = meta.ICC
	d.ICCBytes = meta.ICCSize
	if err := p.CheckICC(d.ICCBytes); err != nil {
		return d, err
	}

	if d.Format == core.FormatAVIF {
		// Without an ispe property the decoded geometry is checked instead.
		if meta.Width == 0 {
			return d, nil
		}
		d.Dims = core.Dimensions{Width: meta.Width, Height: meta.Height}
	} else {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return d, apperrors.Wrap(apperrors.CodeCorruptInput, op, err)
		}
		d.Dims = core.Dimensions{Width: cfg.Width, Height: cfg.Height}
	}
	if !d.Dims.Valid() {
		return d, apperrors.New(apperrors.CodeCorruptInput, op, apperrors.ErrInvalidDimensions)
	}
	d.DimsTrusted = true
	if err := p.CheckPixels(d.Dims); err != nil {
		return d, err
	}
	return d, nil
}

// CheckDecoded re-validates the geometry of the decoded buffer.
func CheckDecoded(dims core.Dimensions, p Policy) error {
	return p.CheckPixels(dims)
}

// Deadline tracks the wall-clock budget of one pipeline run.  It is only
// consulted at stage boundaries; an in-flight codec call is never
// interrupted.
type Deadline struct {
	policy Policy
	start  time.Time
	now    core.Clock
}

// Start begins the timeout budget at now().
func (p Policy) Start(now core.Clock) Deadline {
	if now == nil {
		now = time.Now
	}
	return Deadline{policy: p, start: now(), now: now}
}

// Elapsed returns the time spent since Start.
func (d Deadline) Elapsed() time.Duration {
	if d.now == nil {
		return 0
	}
	return d.now().Sub(d.start)
}

// Check fails with TimeoutExceeded once the budget is spent.
func (d Deadline) Check(stage core.Stage) error {
	if d.policy.Timeout <= 0 {
		return nil
	}
	if el := d.Elapsed(); el > d.policy.Timeout {
		return d.policy.violation("firewall.timeout."+string(stage), TimeoutExceeded,
			el.Milliseconds(), d.policy.Timeout.Milliseconds())
	}
	return nil
}
