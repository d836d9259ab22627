package tunnel

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument reports a malformed tunnel id, message id or parameter.
	ErrInvalidArgument = errors.New("tunnel: invalid argument")
	// ErrTooManyWaiters is returned when the registry-wide long-poll cap is reached.
	ErrTooManyWaiters = errors.New("tunnel: too many waiters")
)

// CapacityError is returned by Produce when the caller-supplied limit is reached.
type CapacityError struct {
	Limit int
	Size  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("tunnel: capacity exceeded (limit %d, size %d)", e.Limit, e.Size)
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
