package storage

import "errors"

var (
	// ErrInvalidConfig indicates the snapshot configuration is missing or invalid
	ErrInvalidConfig = errors.New("invalid snapshot config")

	// ErrConnectionFailed indicates the snapshot database could not be opened
	ErrConnectionFailed = errors.New("snapshot database connection failed")

	// ErrClosed indicates an operation on a closed snapshot store
	ErrClosed = errors.New("snapshot store is closed")
)
