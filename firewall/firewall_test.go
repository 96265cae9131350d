package firewall

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skryldev/image-optimizer/config"
	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestPreset(t *testing.T) {
	p, err := Preset("strict")
	require.NoError(t, err)
	assert.EqualValues(t, 40_000_000, p.MaxPixels)
	assert.EqualValues(t, 32<<20, p.MaxBytes)
	assert.Equal(t, 5*time.Second, p.Timeout)
	assert.Equal(t, ICCBlocked, p.MaxICCBytes)

	p, err = Preset("LENIENT")
	require.NoError(t, err)
	assert.EqualValues(t, 512<<10, p.MaxICCBytes)

	p, err = Preset("none")
	require.NoError(t, err)
	assert.Zero(t, p.MaxBytes)
	assert.Zero(t, p.Timeout)

	_, err = Preset("paranoid")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidPolicy))
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryUser))
}

func TestFromConfig_AcceptsWhatValidateAccepts(t *testing.T) {
	for _, name := range []string{"Strict", " lenient ", "NONE", ""} {
		cfg := config.Default()
		cfg.FirewallPolicy = name
		require.NoError(t, config.Validate(cfg), "%q", name)
		_, err := FromConfig(cfg)
		require.NoError(t, err, "%q", name)
	}

	cfg := config.Default()
	cfg.FirewallPolicy = "paranoid"
	assert.Error(t, config.Validate(cfg))
	_, err := FromConfig(cfg)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeInvalidPolicy))
}

func TestInspect_PixelBoundary(t *testing.T) {
	data := pngBytes(t, 100, 100)

	p := None
	p.MaxPixels = 100 * 100
	d, err := Inspect(data, p)
	require.NoError(t, err, "exactly max pixels must be accepted")
	assert.True(t, d.DimsTrusted)
	assert.Equal(t, core.Dimensions{Width: 100, Height: 100}, d.Dims)
	assert.Equal(t, core.FormatPNG, d.Format)

	p.MaxPixels = 100*100 - 1
	_, err = Inspect(data, p)
	require.Error(t, err)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryResource))
	assert.True(t, apperrors.IsCode(err, apperrors.CodePixelsExceeded))

	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, PixelsExceeded, v.Kind)
	assert.EqualValues(t, 10000, v.Observed)
	assert.EqualValues(t, 9999, v.Limit)
}

func TestInspect_BytesExceeded(t *testing.T) {
	data := pngBytes(t, 10, 10)
	p := Strict
	p.MaxBytes = int64(len(data)) - 1
	_, err := Inspect(data, p)
	require.Error(t, err)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.Equal(t, BytesExceeded, v.Kind)
	assert.Equal(t, "retry with `lenient` or raise `maxBytes`", v.Hint)
}

func TestInspect_ICC(t *testing.T) {
	data := utils.EmbedPNGICC(pngBytes(t, 4, 4), bytes.Repeat([]byte{1}, 1024))

	_, err := Inspect(data, Strict)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeIccExceeded))

	d, err := Inspect(data, Lenient)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, d.ICCBytes)

	p := Lenient
	p.MaxICCBytes = 512
	_, err = Inspect(data, p)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeIccExceeded))
}

func TestInspect_ZeroDisablesCheck(t *testing.T) {
	zero := int64(0)
	p := Strict.Apply(config.PolicyOverride{MaxPixels: &zero, MaxICCBytes: &zero})
	data := utils.EmbedPNGICC(pngBytes(t, 50, 50), []byte("profile"))
	_, err := Inspect(data, p)
	assert.NoError(t, err)
}

func TestInspect_BadInput(t *testing.T) {
	_, err := Inspect(nil, Strict)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeEmptyInput))

	_, err = Inspect([]byte("definitely not an image"), Strict)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnsupportedFormat))

	data := pngBytes(t, 10, 10)
	_, err = Inspect(data[:20], Strict)
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryCodec))
}

func TestInspect_AVIFHeaderUntrusted(t *testing.T) {
	data := []byte("\x00\x00\x00\x1cftypavif\x00\x00\x00\x00avifmif1")
	d, err := Inspect(data, Strict)
	require.NoError(t, err)
	assert.False(t, d.DimsTrusted)
	assert.Equal(t, core.FormatAVIF, d.Format)
}

func isoBox(typ string, body ...[]byte) []byte {
	payload := bytes.Join(body, nil)
	b := make([]byte, 8, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(8+len(payload)))
	copy(b[4:], typ)
	return append(b, payload...)
}

// avifBytes is an AVIF header declaring w×h and, optionally, an ICC
// profile.  It carries no image data.
func avifBytes(w, h uint32, icc []byte) []byte {
	ext := make([]byte, 12)
	binary.BigEndian.PutUint32(ext[4:], w)
	binary.BigEndian.PutUint32(ext[8:], h)
	props := [][]byte{isoBox("ispe", ext)}
	if icc != nil {
		props = append(props, isoBox("colr", []byte("prof"), icc))
	}
	ftyp := isoBox("ftyp", []byte("avif\x00\x00\x00\x00avifmif1"))
	return append(ftyp, isoBox("meta", []byte{0, 0, 0, 0}, isoBox("iprp", isoBox("ipco", props...)))...)
}

func TestInspect_AVIFHeaderPixels(t *testing.T) {
	d, err := Inspect(avifBytes(8000, 5000, nil), Strict)
	require.NoError(t, err)
	assert.True(t, d.DimsTrusted)
	assert.Equal(t, core.Dimensions{Width: 8000, Height: 5000}, d.Dims)

	_, err = Inspect(avifBytes(8000, 5001, nil), Strict)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodePixelsExceeded), "got %v", err)
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.EqualValues(t, 8000*5001, v.Observed)
}

func TestInspect_AVIFHeaderICC(t *testing.T) {
	icc := bytes.Repeat([]byte{7}, 2048)
	data := avifBytes(16, 16, icc)

	_, err := Inspect(data, Strict)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeIccExceeded), "got %v", err)

	d, err := Inspect(data, Lenient)
	require.NoError(t, err)
	assert.Equal(t, icc, d.ICC)
}

func TestCheckDecoded(t *testing.T) {
	p := None
	p.MaxPixels = 20
	assert.NoError(t, CheckDecoded(core.Dimensions{Width: 4, Height: 5}, p))
	assert.Error(t, CheckDecoded(core.Dimensions{Width: 3, Height: 7}, p))
}

func TestDeadline(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	d := Strict.Start(clock)
	require.NoError(t, d.Check(core.StageDecode))

	now = now.Add(5 * time.Second)
	require.NoError(t, d.Check(core.StageDecode), "exactly at the budget is still in time")

	now = now.Add(time.Millisecond)
	err := d.Check(core.StageEncode)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeTimeoutExceeded))
	v, ok := AsViolation(err)
	require.True(t, ok)
	assert.EqualValues(t, 5001, v.Observed)
	assert.EqualValues(t, 5000, v.Limit)

	unbounded := None.Start(clock)
	now = now.Add(time.Hour)
	assert.NoError(t, unbounded.Check(core.StageEncode))
}
