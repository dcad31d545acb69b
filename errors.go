package retina

import "github.com/pkg/errors"

var (
	// ErrShapeMismatch is returned when a raw network output does not line up with the prior set.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrConfiguration is returned for an invalid pyramid configuration or threshold set.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrInference wraps any failure reported by the external inference engine.
	ErrInference = errors.New("inference failed")
)

// shapeErrorf annotates ErrShapeMismatch with the offending lengths.
func shapeErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrShapeMismatch, format, args...)
}

// configErrorf annotates ErrConfiguration with the reason.
func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// InferenceError carries a failure of the external inference engine. The original
// error stays reachable through errors.Is / errors.As, and the error also matches ErrInference.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return ErrInference.Error() + ": " + e.Err.Error()
}

// Unwrap returns the error reported by the engine.
func (e *InferenceError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInference.
func (e *InferenceError) Is(target error) bool { return target == ErrInference }
