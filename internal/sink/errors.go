package sink

import (
	"errors"
	"time"
)

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as permanent: the entry fails without further attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

type deferredError struct {
	err   error
	after time.Duration
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Deferred reports that the sink did not try to deliver, because of local
// backpressure such as a rate limit or an open circuit. The entry goes back
// to pending after the given delay and keeps its attempt count.
func Deferred(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err, after: after}
}

// DeferredFor returns the delay of a Deferred error.
func DeferredFor(err error) (time.Duration, bool) {
	var d *deferredError
	if errors.As(err, &d) {
		return d.after, true
	}
	return 0, false
}
