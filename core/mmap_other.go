//go:build !unix

package core

import (
	"io"
	"os"
)

// mapRegion falls back to an owned read on platforms without mmap support
// in x/sys/unix.  A nil unmap marks the result as owned.
func mapRegion(f *os.File, size int) ([]byte, func([]byte) error, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, nil, err
	}
	return data, nil, nil
}
