package engine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped = errors.New("worker pool stopped")
	ErrNilRun  = errors.New("job Run is nil")
)

// PanicError is the failure recorded when a job panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
