package scheduler

import "errors"

var (
	ErrStopped         = errors.New("scheduler stopped")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNilPayload      = errors.New("payload is nil")
)
