package tasks

import "errors"

var (
	// ErrUnknownTask is returned when scheduling a name with no handler
	ErrUnknownTask = errors.New("unknown task")
	// ErrQueueClosed is returned when scheduling on a closed queue
	ErrQueueClosed = errors.New("task queue closed")
	// ErrLockHeld is returned by a Locker when another process holds the key
	ErrLockHeld = errors.New("task lock held")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
