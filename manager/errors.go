package manager

import "errors"

var (
	// ErrUnknownBinary is returned by Admit when a descriptor names a binary that was never
	// registered.
	ErrUnknownBinary = errors.New("manager: unknown binary")

	// ErrDuplicateTaskID is returned by Admit when a descriptor id repeats within the call or
	// collides with a live task.
	ErrDuplicateTaskID = errors.New("manager: duplicate task id")

	// ErrTeardownTimeout is returned by Clear when some tasks did not confirm teardown within
	// the configured timeout. The tasks are discarded anyway.
	ErrTeardownTimeout = errors.New("manager: task teardown timed out")
)
