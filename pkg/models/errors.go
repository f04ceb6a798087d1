package models

import "errors"

var (
	// ErrPromptNotFound is returned when a prompt does not exist for the user.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrInvalidTransition is returned when the lifecycle graph forbids a move.
	ErrInvalidTransition = errors.New("invalid prompt state transition")
	// ErrPromptLocked is returned when acting on a paywalled prompt.
	ErrPromptLocked = errors.New("prompt is locked")
	// ErrProfileNotFound is returned when no character profile exists yet.
	ErrProfileNotFound = errors.New("character profile not found")
	// ErrQueueMismatch is returned when a reorder request does not name
	// exactly the user's queued prompts.
	ErrQueueMismatch = errors.New("queue order does not match queued prompts")
)
