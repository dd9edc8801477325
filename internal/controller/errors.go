package controller

import "errors"

// Predefined errors
var (
	// ErrStopped indicates the controller was stopped; it cannot be restarted
	ErrStopped = errors.New("controller: stopped")

	// ErrNotStarted indicates a call before Start
	ErrNotStarted = errors.New("controller: not started")

	// ErrAlreadyStarted indicates a second Start
	ErrAlreadyStarted = errors.New("controller: already started")
)
