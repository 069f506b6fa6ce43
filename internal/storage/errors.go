package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateEvent is returned when an event_id has already been recorded.
	ErrDuplicateEvent = errors.New("storage: duplicate event")

	// ErrDuplicateID is returned when a work or training session id is
	// already taken by a row from another event.
	ErrDuplicateID = errors.New("storage: duplicate id")

	// ErrDuplicateAgent is returned when an agent slug is already taken.
	ErrDuplicateAgent = errors.New("storage: duplicate agent")

	// ErrEventCompleted is returned when processing is requested for an event
	// that has already reached COMPLETED.
	ErrEventCompleted = errors.New("storage: event already completed")

	// ErrJobNotDead is returned when a retry is requested for a job that has
	// not been dead-lettered.
	ErrJobNotDead = errors.New("storage: job is not dead-lettered")
)
