package core

import "github.com/cockroachdb/errors"

var (
	// Native object creation failed. The returned resource is invalid.
	ErrCreationFailed = errors.New("gpu object creation failed")
	// Host or device memory could not be allocated.
	ErrOutOfMemory = errors.New("out of memory")
	// The device stopped responding. Every later submission fails.
	ErrDeviceLost = errors.New("device lost")
	// A handle did not resolve to a live object (never created, or released and its slot reused).
	ErrInvalidHandle = errors.New("invalid handle")
	// Command list waits form a cycle.
	ErrDependencyCycle = errors.New("command list dependency cycle")
	ErrTimeout         = errors.New("wait timed out")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrUnsupported     = errors.New("unsupported")
	ErrUnknown         = errors.New("unknown")
)

// IsDeviceLost reports whether err carries ErrDeviceLost anywhere in its chain.
func IsDeviceLost(err error) bool {
	return errors.Is(err, ErrDeviceLost)
}
