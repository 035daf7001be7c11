package tailer

import "errors"

var (
	// ErrFileNotFound is returned by Start and SetPosition when the watched file does not exist
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidArgument is returned for unknown event types, encodings and bad options
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStopTimeout is returned by Stop when the monitor goroutine did not exit in time.
	// Callbacks may still be running when this error is returned.
	ErrStopTimeout = errors.New("tailer stop timed out")
)
