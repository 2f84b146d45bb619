package domain

import "errors"

var (
	// ErrMissingParameter is returned when a required field is absent or
	// malformed after normalization.
	ErrMissingParameter = errors.New("missing required parameter")
	// ErrEventNotFound is returned when a referenced progress row does not exist.
	ErrEventNotFound = errors.New("progress event not found")
	// ErrQuestionSetNotFound indicates the reference catalog has no such set.
	ErrQuestionSetNotFound = errors.New("question set not found")
	// ErrPermissionDenied is returned when the caller is neither the owning
	// user nor an admin.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrDuplicateSuppressed marks a write skipped by the dedupe window.
	// It is a recognized no-op outcome, not a failure.
	ErrDuplicateSuppressed = errors.New("duplicate submission suppressed")
)
