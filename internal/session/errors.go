package session

import "errors"

var (
	ErrInvalidUserID = errors.New("invalid user id")
	ErrNotConnected  = errors.New("session is not connected")
	// ErrInvalidAddress is returned by SendText for a recipient the
	// protocol cannot parse.
	ErrInvalidAddress = errors.New("invalid recipient address")
	// ErrSessionEnded is returned by ConnectUser when the entry was
	// replaced or stopped before its first attempt finished.
	ErrSessionEnded = errors.New("session ended before the first attempt completed")
	ErrShutdown     = errors.New("registry is shut down")
)

// AttemptError is a failed first connection attempt returned by
// ConnectUser. The entry stays registered and retries on its own.
type AttemptError struct {
	Err error
}

func (e *AttemptError) Error() string { return e.Err.Error() }

func (e *AttemptError) Unwrap() error { return e.Err }
