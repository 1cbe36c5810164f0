package monitor

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalid indicates a request failed validation.
	ErrInvalid = errors.New("invalid request")
	// ErrPersistence wraps failures of the backing store.
	ErrPersistence = errors.New("persistence failure")
	// ErrDispatch wraps failures handing work to the queue.
	ErrDispatch = errors.New("dispatch failure")
	// ErrMaxRetriesExceeded is the terminal result of a session that ran out of retries.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrElementNotFound is returned by a Page when a locator does not match within its wait.
	ErrElementNotFound = errors.New("element not found")
	// ErrUnsupported is returned by drivers that cannot perform an interaction.
	ErrUnsupported = errors.New("operation not supported by driver")
)
