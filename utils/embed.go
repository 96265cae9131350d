package utils

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
)

// maxJPEGICCChunk is the payload capacity of one APP2 segment after the
// 14-byte ICC_PROFILE header.
const maxJPEGICCChunk = 65533 - 2 - len("ICC_PROFILE\x00") - 2

// EmbedJPEGICC inserts icc as APP2 ICC_PROFILE segments right after SOI.
func EmbedJPEGICC(jpg, icc []byte) []byte {
	if len(icc) == 0 || len(jpg) < 2 {
		return jpg
	}
	n := (len(icc) + maxJPEGICCChunk - 1) / maxJPEGICCChunk
	if n > 255 {
		return jpg
	}
	var seg bytes.Buffer
	for i := 0; i < n; i++ {
		start := i * maxJPEGICCChunk
		end := min(start+maxJPEGICCChunk, len(icc))
		body := icc[start:end]
		seg.Write([]byte{0xFF, 0xE2})
		_ = binary.Write(&seg, binary.BigEndian, uint16(2+len(iccHeader)+2+len(body)))
		seg.Write(iccHeader)
		seg.WriteByte(byte(i + 1))
		seg.WriteByte(byte(n))
		seg.Write(body)
	}
	return insertAfterSOI(jpg, seg.Bytes())
}

// EmbedJPEGEXIF inserts tiff as an APP1 Exif segment right after SOI.
func EmbedJPEGEXIF(jpg, tiff []byte) []byte {
	if len(tiff) == 0 || len(jpg) < 2 || len(tiff)+len(exifHeader)+2 > 0xFFFF {
		return jpg
	}
	var seg bytes.Buffer
	seg.Write([]byte{0xFF, 0xE1})
	_ = binary.Write(&seg, binary.BigEndian, uint16(2+len(exifHeader)+len(tiff)))
	seg.Write(exifHeader)
	seg.Write(tiff)
	return insertAfterSOI(jpg, seg.Bytes())
}

func insertAfterSOI(jpg, seg []byte) []byte {
	out := make([]byte, 0, len(jpg)+len(seg))
	out = append(out, jpg[:2]...)
	out = append(out, seg...)
	return append(out, jpg[2:]...)
}

// EmbedPNGICC inserts an iCCP chunk right after IHDR.
func EmbedPNGICC(png, icc []byte) []byte {
	if len(icc) == 0 {
		return png
	}
	var z bytes.Buffer
	zw := zlib.NewWriter(&z)
	_, _ = zw.Write(icc)
	_ = zw.Close()

	body := append([]byte("icc\x00\x00"), z.Bytes()...)
	return insertPNGChunk(png, "iCCP", body)
}

// EmbedPNGEXIF inserts an eXIf chunk right after IHDR.
func EmbedPNGEXIF(png, tiff []byte) []byte {
	if len(tiff) == 0 {
		return png
	}
	return insertPNGChunk(png, "eXIf", tiff)
}

func insertPNGChunk(png []byte, typ string, body []byte) []byte {
	// signature (8) + IHDR chunk (4 len + 4 type + 13 data + 4 crc)
	const ihdrEnd = 8 + 25
	if len(png) < ihdrEnd || string(png[12:16]) != "IHDR" {
		return png
	}
	chunk := make([]byte, 0, 12+len(body))
	chunk = binary.BigEndian.AppendUint32(chunk, uint32(len(body)))
	chunk = append(chunk, typ...)
	chunk = append(chunk, body...)
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(png)+len(chunk))
	out = append(out, png[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, png[ihdrEnd:]...)
}
