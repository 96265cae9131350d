package engine

import (
	"runtime/debug"

	"github.com/Skryldev/image-optimizer/core"
	apperrors "github.com/Skryldev/image-optimizer/errors"
)

// safeCall runs a codec call and turns a panic into InternalBug/CodecPanic.
// Errors the codec did not classify get fallback.
func safeCall[T any](op string, fallback apperrors.Code, logger core.Logger, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("codec panic", "op", op, "panic", r, "stack", string(debug.Stack()))
			var zero T
			out, err = zero, apperrors.Newf(apperrors.CodeCodecPanic, op, "codec panicked: %v", r)
		}
	}()
	out, err = fn()
	if err != nil {
		err = apperrors.Wrap(fallback, op, err)
	}
	return out, err
}
