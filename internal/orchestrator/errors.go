package orchestrator

import "errors"

// Turn failures the transport distinguishes when choosing a response.
var (
	// ErrEmptyMessage rejects a request with no message text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrProfileUnavailable means the learner profile could not be
	// loaded. Nothing has been emitted.
	ErrProfileUnavailable = errors.New("user profile unavailable")

	// ErrGenerationFailed means the tutor's reply could not be
	// generated. When it is returned before any event was emitted the
	// caller may still answer with an error status; otherwise a terminal
	// error event has already been emitted.
	ErrGenerationFailed = errors.New("reply generation failed")
)
