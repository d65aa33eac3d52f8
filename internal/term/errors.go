package term

import "errors"

var (
	// ErrSessionNotFound is returned when an operation references an id
	// that was never created or was already closed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned by Create when the id is already live.
	ErrDuplicateSession = errors.New("session id already in use")
)
