package event

import "errors"

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }

func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as permanent: the delivery goes straight to the
// dead-letter store instead of being retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}

	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err, or any error it wraps, was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var target *nonRetryableError

	return errors.As(err, &target)
}

// RetryClassifier decides whether an error should not be retried.
type RetryClassifier interface {
	IsNonRetryable(err error) bool
}

// RetryClassifierFunc adapts a function to RetryClassifier.
type RetryClassifierFunc func(err error) bool

// IsNonRetryable calls fn.
func (fn RetryClassifierFunc) IsNonRetryable(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
