package queue

import "errors"

// retryableError marks a handler failure eligible for redelivery.
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// fatalError marks a handler failure that must not be retried.
type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Retryable wraps err so the queue schedules a redelivery. Plain errors are
// treated as retryable too; the wrapper makes the intent explicit at the
// handler boundary.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Fatal wraps err so the queue skips remaining attempts and reports the job
// as terminally failed.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err was marked Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
