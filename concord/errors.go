package concord

import "errors"

var (
	// ErrDuplicateJob is returned by JobRegistry.Add when a job with the
	// same ID already exists in the same guild scope.
	ErrDuplicateJob = errors.New("a job with this ID already exists")

	// ErrJobNotFound is returned when a job ID can't be resolved within
	// its guild scope.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidSchedule is returned when a one-shot job's execution time
	// is already in the past, or a recurring interval is non-positive.
	ErrInvalidSchedule = errors.New("invalid schedule")

	// ErrInvalidCronExpression is returned by JobRegistry.Add when a cron
	// expression fails to parse.
	ErrInvalidCronExpression = errors.New("invalid cron expression")

	// ErrSessionAlreadyActive is returned when starting a session for a
	// (guild, channel) key that already has a live session.
	ErrSessionAlreadyActive = errors.New("a session is already active in this channel")

	// ErrSessionNotFound is returned when an interaction references a
	// session that no longer exists.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidArgument is returned for bad user-supplied session
	// parameters (question count, poll option count, empty question).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrQuestionsUnavailable is returned when the question source
	// returns no usable questions.
	ErrQuestionsUnavailable = errors.New("no questions available")

	// ErrExternalService indicates an upstream content API was
	// unreachable or returned garbage.
	ErrExternalService = errors.New("external service error")

	// ErrPersistence wraps database failures. These are logged and
	// treated as non-fatal to in-memory state wherever possible.
	ErrPersistence = errors.New("persistence error")
)
