package model

import "errors"

var (
	// ErrInvalidInput is returned when a request carries a malformed URL or body.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a link or session id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrStorage is returned when the link store cannot be read or written.
	ErrStorage = errors.New("storage failure")

	// ErrCapacity is returned when the maximum number of live sessions is reached.
	ErrCapacity = errors.New("live session limit exceeded")

	// ErrSessionClosed is returned when a command is sent to a closed session.
	ErrSessionClosed = errors.New("session closed")
)
