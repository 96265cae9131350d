package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Category classifies errors into the four buckets that are allowed to cross
// the engine boundary.
type Category string

const (
	CategoryUser     Category = "user_error"
	CategoryCodec    Category = "codec_error"
	CategoryResource Category = "resource_limit"
	CategoryInternal Category = "internal_bug"
)

// Code is a stable numeric error code.  The thousands digit encodes the
// category.
type Code int

const (
	CodeInvalidParameter  Code = 1000
	CodeCropOutOfBounds   Code = 1001
	CodeInvalidRotation   Code = 1002
	CodeFileNotFound      Code = 1003
	CodeInvalidPolicy     Code = 1004
	CodeContractViolation Code = 1005
	CodeEmptyInput        Code = 1006

	CodeUnsupportedFormat Code = 2000
	CodeCorruptInput      Code = 2001
	CodeEncodeFailed      Code = 2002

	CodePixelsExceeded         Code = 3000
	CodeBytesExceeded          Code = 3001
	CodeIccExceeded            Code = 3002
	CodeTimeoutExceeded        Code = 3003
	CodeIOFailure              Code = 3004
	CodeAdmissionMisconfigured Code = 3005
	CodeCancelled              Code = 3006

	CodeCodecPanic         Code = 4000
	CodeInvariantViolation Code = 4001
	CodeConcurrencyCeiling Code = 4002
)

type codeInfo struct {
	name        string
	category    Category
	recoverable bool
}

var codes = map[Code]codeInfo{
	CodeInvalidParameter:  {"InvalidParameter", CategoryUser, true},
	CodeCropOutOfBounds:   {"CropOutOfBounds", CategoryUser, true},
	CodeInvalidRotation:   {"InvalidRotation", CategoryUser, true},
	CodeFileNotFound:      {"FileNotFound", CategoryUser, true},
	CodeInvalidPolicy:     {"InvalidPolicy", CategoryUser, true},
	CodeContractViolation: {"ContractViolation", CategoryUser, true},
	CodeEmptyInput:        {"EmptyInput", CategoryUser, true},

	CodeUnsupportedFormat: {"UnsupportedFormat", CategoryCodec, false},
	CodeCorruptInput:      {"CorruptInput", CategoryCodec, false},
	CodeEncodeFailed:      {"EncodeFailed", CategoryCodec, false},

	CodePixelsExceeded:         {"PixelsExceeded", CategoryResource, true},
	CodeBytesExceeded:          {"BytesExceeded", CategoryResource, true},
	CodeIccExceeded:            {"IccExceeded", CategoryResource, true},
	CodeTimeoutExceeded:        {"TimeoutExceeded", CategoryResource, true},
	CodeIOFailure:              {"IOFailure", CategoryResource, true},
	CodeAdmissionMisconfigured: {"AdmissionMisconfigured", CategoryResource, false},
	CodeCancelled:              {"Cancelled", CategoryResource, true},

	CodeCodecPanic:         {"CodecPanic", CategoryInternal, false},
	CodeInvariantViolation: {"InvariantViolation", CategoryInternal, false},
	CodeConcurrencyCeiling: {"ConcurrencyCeiling", CategoryInternal, false},
}

func (c Code) String() string {
	if info, ok := codes[c]; ok {
		return info.name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Category returns the category a code belongs to.  Unknown codes are
// treated as internal bugs.
func (c Code) Category() Category {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategoryInternal
}

// Recoverable reports whether a caller may reasonably retry after changing
// its inputs or waiting for resources.
func (c Code) Recoverable() bool {
	return codes[c].recoverable
}

// ProcessingError is the structured error type used throughout the module.
type ProcessingError struct {
	Category Category
	Code     Code
	Op       string // operation name
	Err      error
	Hint     string // optional, human-actionable
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("[%s/%s] %s: %v", e.Category, e.Code, e.Op, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Recoverable reports whether the error's code is flagged recoverable.
func (e *ProcessingError) Recoverable() bool { return e.Code.Recoverable() }

// New creates a ProcessingError; the category is derived from code.
func New(code Code, op string, err error) *ProcessingError {
	return &ProcessingError{Category: code.Category(), Code: code, Op: op, Err: err}
}

// Newf is New with a formatted message as the underlying error.
func Newf(code Code, op, format string, args ...any) *ProcessingError {
	return New(code, op, fmt.Errorf(format, args...))
}

// WithHint returns e with Hint set.
func (e *ProcessingError) WithHint(hint string) *ProcessingError {
	e.Hint = hint
	return e
}

// Wrap wraps err with code and op.  An err that is already classified keeps
// its original classification so an error is never re-categorised on its way
// out.
func Wrap(code Code, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return err
	}
	return New(code, op, err)
}

// Classify converts any error into exactly one ProcessingError.  Already
// classified errors are returned unchanged.
func Classify(op string, err error) *ProcessingError {
	if err == nil {
		return nil
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return New(CodeFileNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return New(CodeCancelled, op, err)
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.ENOMEM), errors.Is(err, syscall.EMFILE):
		return New(CodeIOFailure, op, err).WithHint("free disk space or memory and retry")
	case errors.Is(err, fs.ErrPermission):
		return New(CodeIOFailure, op, err)
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return New(CodeIOFailure, op, err)
	}
	return New(CodeInvariantViolation, op, err)
}

// CodeOf returns the code of err, or 0 when err is not classified.
func CodeOf(err error) Code {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return 0
}

// CategoryOf returns the category of err, or "" when err is not classified.
func CategoryOf(err error) Category {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// IsCategory reports whether err belongs to the given category.
func IsCategory(err error, cat Category) bool {
	return CategoryOf(err) == cat
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRecoverable reports whether err is classified and recoverable.
func IsRecoverable(err error) bool {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Recoverable()
	}
	return false
}

// Sentinel errors for common failure modes.
var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrInvalidDimensions = errors.New("invalid dimensions")
	ErrEmptyInput        = errors.New("empty input")
	ErrWorkerPoolFull    = errors.New("worker pool queue full")
	ErrPoolClosed        = errors.New("worker pool closed")
	ErrGateClosed        = errors.New("admission gate closed")
	ErrSourceBorrowed    = errors.New("source is borrowed by a running pipeline")
	ErrSourceClosed      = errors.New("source closed")
)
