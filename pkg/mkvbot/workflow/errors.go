package workflow

import (
	"errors"
	"fmt"
)

// Errors.
var (
	// ErrValidation is returned for input the workflow cannot accept. The
	// session stays in (or reverts to) its previous state.
	ErrValidation = errors.New("validation error")

	// ErrFileTooLarge is returned for uploads above the configured maximum.
	ErrFileTooLarge = fmt.Errorf("%w: file too large", ErrValidation)

	// ErrPlatformLimit is returned by an Upload's Fetch when the chat
	// platform refuses to hand over a file of that size.
	ErrPlatformLimit = fmt.Errorf("%w: above the chat platform limit", ErrFileTooLarge)

	// ErrUnsupportedFile is returned for uploads with an unknown extension.
	ErrUnsupportedFile = fmt.Errorf("%w: unsupported file type", ErrValidation)

	// ErrSessionConflict is returned when a user acts while a background task
	// of the same session is still running.
	ErrSessionConflict = errors.New("session busy")

	// ErrStaleMenu is returned for a button that does not belong to the
	// current state of the session.
	ErrStaleMenu = fmt.Errorf("%w: menu no longer active", ErrValidation)
)

// errStaleTask marks a background task whose session was cancelled or replaced.
var errStaleTask = errors.New("task no longer owns the session")
