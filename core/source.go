package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/Skryldev/image-optimizer/errors"
	"github.com/Skryldev/image-optimizer/utils"
)

// SourceKind tags the Source variant.
type SourceKind uint8

const (
	// SourceOwned holds a process-owned byte slice.
	SourceOwned SourceKind = iota
	// SourceMapped holds a read-only memory-mapped file region.
	SourceMapped
)

func (k SourceKind) String() string {
	if k == SourceMapped {
		return "mapped"
	}
	return "owned"
}

// Source is the input of a pipeline: either owned bytes or a memory-mapped
// file region.  Bytes are always borrowed, never copied.
//
// A mapped source must not be closed while a pipeline holds a borrow;
// Close reports ErrSourceBorrowed instead of unmapping.  Modifying or
// truncating the backing file while it is mapped is undefined behaviour
// (corrupted decode or a SIGBUS); on Windows the OS refuses to delete a
// mapped file, which surfaces as a normal I/O error.
type Source struct {
	kind  SourceKind
	name  string
	data  []byte
	unmap func([]byte) error

	mu      sync.Mutex
	borrows int
	closed  bool
}

// FromBytes wraps b as an owned source.  b must not be modified afterwards.
func FromBytes(name string, b []byte) *Source {
	return &Source{kind: SourceOwned, name: name, data: b}
}

// ReadAll drains r into an owned source.  limit > 0 caps the number of bytes
// read; exceeding it is reported as BytesExceeded.
func ReadAll(ctx context.Context, name string, r io.Reader, limit int64) (*Source, error) {
	if limit > 0 {
		r = &utils.LimitedReader{R: r, Max: limit}
	}
	buf, err := utils.DrainReader(ctx, r, 0)
	if err != nil {
		if errors.Is(err, utils.ErrLimitExceeded) {
			return nil, apperrors.Newf(apperrors.CodeBytesExceeded, "source.read",
				"input larger than %d bytes", limit)
		}
		return nil, apperrors.Classify("source.read", err)
	}
	data := utils.CloneBytes(buf.Bytes())
	utils.ReleaseBuffer(buf)
	return FromBytes(name, data), nil
}

// OpenFile opens path as a source.  Files at least mapThreshold bytes long
// are memory mapped; smaller files, or mapThreshold <= 0, are read into
// owned memory.
func OpenFile(path string, mapThreshold int64) (*Source, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, statError(path, err)
	}
	if fi.IsDir() {
		return nil, apperrors.Newf(apperrors.CodeInvalidParameter, "source.open", "%s is a directory", path)
	}
	if mapThreshold > 0 && fi.Size() >= mapThreshold {
		return MapFile(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, statError(path, err)
	}
	return FromBytes(filepath.Base(path), data), nil
}

// MapFile memory-maps path read-only.
func MapFile(path string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, statError(path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, statError(path, err)
	}
	if fi.Size() == 0 {
		return FromBytes(filepath.Base(path), nil), nil
	}
	if int64(int(fi.Size())) != fi.Size() {
		return nil, apperrors.Newf(apperrors.CodeBytesExceeded, "source.map", "%s too large to map", path)
	}
	data, unmap, err := mapRegion(f, int(fi.Size()))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeIOFailure, "source.map", err)
	}
	kind := SourceMapped
	if unmap == nil {
		kind = SourceOwned
	}
	return &Source{kind: kind, name: filepath.Base(path), data: data, unmap: unmap}, nil
}

func statError(path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return apperrors.New(apperrors.CodeFileNotFound, "source.open", fmt.Errorf("%s: %w", path, err)).
			WithHint("check the input path")
	}
	return apperrors.Classify("source.open", err)
}

// Kind returns the variant tag.
func (s *Source) Kind() SourceKind { return s.kind }

// Name is a logical name (usually the file's base name).
func (s *Source) Name() string { return s.name }

// Len returns the number of input bytes.
func (s *Source) Len() int64 { return int64(len(s.data)) }

// Bytes returns the borrowed bytes without registering a borrow.  Use it for
// short synchronous reads such as header sniffing.
func (s *Source) Bytes() []byte { return s.data }

// Borrow registers a borrow and returns the bytes.  Every successful Borrow
// must be paired with Return.
func (s *Source) Borrow() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, apperrors.New(apperrors.CodeInvalidParameter, "source.borrow", apperrors.ErrSourceClosed)
	}
	s.borrows++
	return s.data, nil
}

// Return ends a borrow started by Borrow.
func (s *Source) Return() {
	s.mu.Lock()
	if s.borrows > 0 {
		s.borrows--
	}
	s.mu.Unlock()
}

// Borrowed reports the number of outstanding borrows.
func (s *Source) Borrowed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.borrows
}

// Close unmaps a mapped source.  It fails while borrows are outstanding.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.borrows > 0 {
		return apperrors.New(apperrors.CodeInvariantViolation, "source.close", apperrors.ErrSourceBorrowed)
	}
	s.closed = true
	if s.unmap != nil {
		data := s.data
		s.data = nil
		if err := s.unmap(data); err != nil {
			return apperrors.Wrap(apperrors.CodeIOFailure, "source.unmap", err)
		}
	}
	return nil
}
