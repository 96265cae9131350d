package utils

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"sort"
)

// maxInflatedICC bounds zlib inflation of PNG iCCP chunks.
const maxInflatedICC = 16 << 20

// ContainerMeta is metadata read from the container without decoding pixels.
type ContainerMeta struct {
	HasEXIF     bool
	Orientation int // EXIF orientation 1-8; 0 when absent
	// ICC is a private copy of the embedded profile; it never aliases the
	// parsed data, which may be a memory-mapped region.
	ICC []byte
	// ICCSize is the profile size in bytes.  It is set even when the
	// profile could not be fully reassembled.
	ICCSize int64
	// Width and Height come from the AVIF ispe property; other containers
	// leave them zero and are sized by image.DecodeConfig.
	Width, Height int
}

// ParseContainerMetadata walks the JPEG, PNG, WebP or AVIF container in data
// and extracts the EXIF orientation and the embedded ICC profile.  Malformed
// containers yield whatever was read before the damage.
func ParseContainerMetadata(data []byte) ContainerMeta {
	switch DetectFormat(data) {
	case formatJPEG:
		return parseJPEG(data)
	case formatPNG:
		return parsePNG(data)
	case formatWebP:
		return parseWebP(data)
	case formatAVIF:
		return parseAVIF(data)
	}
	return ContainerMeta{}
}

var (
	exifHeader = []byte("Exif\x00\x00")
	iccHeader  = []byte("ICC_PROFILE\x00")
)

func parseJPEG(data []byte) ContainerMeta {
	var (
		meta   ContainerMeta
		chunks = map[byte][]byte{}
	)
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			break
		}
		marker := data[pos+1]
		if marker == 0xFF {
			pos++
			continue
		}
		// SOS / EOI: metadata segments are over.
		if marker == 0xDA || marker == 0xD9 {
			break
		}
		// Standalone markers carry no length.
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7) {
			pos += 2
			continue
		}
		size := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		if size < 2 || pos+2+size > len(data) {
			break
		}
		seg := data[pos+4 : pos+2+size]
		switch marker {
		case 0xE1:
			if bytes.HasPrefix(seg, exifHeader) {
				meta.HasEXIF = true
				meta.Orientation = readOrientation(seg[len(exifHeader):])
			}
		case 0xE2:
			if bytes.HasPrefix(seg, iccHeader) && len(seg) > len(iccHeader)+2 {
				seq := seg[len(iccHeader)]
				body := seg[len(iccHeader)+2:]
				chunks[seq] = body
				meta.ICCSize += int64(len(body))
			}
		}
		pos += 2 + size
	}
	if len(chunks) > 0 {
		seqs := make([]int, 0, len(chunks))
		for s := range chunks {
			seqs = append(seqs, int(s))
		}
		sort.Ints(seqs)
		icc := make([]byte, 0, meta.ICCSize)
		for _, s := range seqs {
			icc = append(icc, chunks[byte(s)]...)
		}
		meta.ICC = icc
	}
	return meta
}

func parsePNG(data []byte) ContainerMeta {
	var meta ContainerMeta
	pos := 8
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		if length < 0 || pos+12+length > len(data) {
			break
		}
		body := data[pos+8 : pos+8+length]
		switch typ {
		case "iCCP":
			// name \0 method zlib-stream
			if i := bytes.IndexByte(body, 0); i >= 0 && i+2 <= len(body) {
				meta.ICCSize = int64(len(body) - i - 2)
				if icc, err := inflate(body[i+2:], maxInflatedICC); err == nil {
					meta.ICC = icc
					meta.ICCSize = int64(len(icc))
				}
			}
		case "eXIf":
			meta.HasEXIF = true
			meta.Orientation = readOrientation(body)
		case "IEND":
			return meta
		}
		pos += 12 + length
	}
	return meta
}

func parseWebP(data []byte) ContainerMeta {
	var meta ContainerMeta
	pos := 12
	for pos+8 <= len(data) {
		fourcc := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		if size < 0 || pos+8+size > len(data) {
			break
		}
		body := data[pos+8 : pos+8+size]
		switch fourcc {
		case "ICCP":
			meta.ICC = bytes.Clone(body)
			meta.ICCSize = int64(size)
		case "EXIF":
			meta.HasEXIF = true
			meta.Orientation = readOrientation(bytes.TrimPrefix(body, exifHeader))
		}
		pos += 8 + size + size&1
	}
	return meta
}

// parseAVIF reads the ispe and colr item properties from the ISOBMFF
// meta/iprp/ipco boxes.  When several images are described (thumbnail,
// alpha plane) the largest extent wins.
func parseAVIF(data []byte) ContainerMeta {
	var meta ContainerMeta
	mb := findBox(data, "meta")
	if len(mb) < 4 {
		return meta
	}
	// meta is a full box: skip version and flags.
	ipco := findBox(findBox(mb[4:], "iprp"), "ipco")
	eachBox(ipco, func(typ string, body []byte) {
		switch typ {
		case "ispe":
			if len(body) < 12 {
				return
			}
			w := int64(binary.BigEndian.Uint32(body[4:8]))
			h := int64(binary.BigEndian.Uint32(body[8:12]))
			if w > 0 && h > 0 && w*h > int64(meta.Width)*int64(meta.Height) {
				meta.Width, meta.Height = int(w), int(h)
			}
		case "colr":
			if len(body) < 4 || meta.ICC != nil {
				return
			}
			switch string(body[:4]) {
			case "prof", "rICC":
				meta.ICC = bytes.Clone(body[4:])
				meta.ICCSize = int64(len(meta.ICC))
			}
		}
	})
	return meta
}

// findBox returns the body of the first box of type typ in data.
func findBox(data []byte, typ string) []byte {
	var found []byte
	eachBox(data, func(t string, body []byte) {
		if found == nil && t == typ {
			found = body
		}
	})
	return found
}

// eachBox calls fn for every well-formed ISOBMFF box in data and stops at
// the first truncated one.
func eachBox(data []byte, fn func(typ string, body []byte)) {
	for pos := 0; pos+8 <= len(data); {
		size := uint64(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		hdr := uint64(8)
		switch size {
		case 0: // extends to the end of data
			size = uint64(len(data) - pos)
		case 1: // 64-bit largesize
			if pos+16 > len(data) {
				return
			}
			size = binary.BigEndian.Uint64(data[pos+8 : pos+16])
			hdr = 16
		}
		if size < hdr || size > uint64(len(data)-pos) {
			return
		}
		fn(typ, data[pos+int(hdr):pos+int(size)])
		pos += int(size)
	}
}

func inflate(b []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(&LimitedReader{R: zr, Max: limit})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// readOrientation returns the orientation tag (0x0112) from the first IFD of
// a TIFF structure, or 0.
func readOrientation(tiff []byte) int {
	if len(tiff) < 8 {
		return 0
	}
	var order binary.ByteOrder
	switch string(tiff[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return 0
	}
	if order.Uint16(tiff[2:4]) != 42 {
		return 0
	}
	ifd := int(order.Uint32(tiff[4:8]))
	if ifd < 8 || ifd+2 > len(tiff) {
		return 0
	}
	n := int(order.Uint16(tiff[ifd : ifd+2]))
	for i := 0; i < n; i++ {
		off := ifd + 2 + i*12
		if off+12 > len(tiff) {
			return 0
		}
		if order.Uint16(tiff[off:off+2]) != 0x0112 {
			continue
		}
		v := int(order.Uint16(tiff[off+8 : off+10]))
		if v < 1 || v > 8 {
			return 0
		}
		return v
	}
	return 0
}

// BuildEXIFOrientation returns a minimal little-endian TIFF block carrying
// only the orientation tag.  Encoders use it to re-embed orientation and
// tests use it to build fixtures.
func BuildEXIFOrientation(orientation int) []byte {
	b := make([]byte, 26)
	copy(b, "II")
	binary.LittleEndian.PutUint16(b[2:], 42)
	binary.LittleEndian.PutUint32(b[4:], 8)
	binary.LittleEndian.PutUint16(b[8:], 1)
	binary.LittleEndian.PutUint16(b[10:], 0x0112)
	binary.LittleEndian.PutUint16(b[12:], 3) // SHORT
	binary.LittleEndian.PutUint32(b[14:], 1)
	binary.LittleEndian.PutUint16(b[18:], uint16(orientation))
	// next IFD offset = 0
	return b
}
