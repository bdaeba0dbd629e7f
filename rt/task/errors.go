package task

import "errors"

var (
	// ErrInvalidDescriptor is returned by Descriptor.Validate.
	//
	// Descriptor rules:
	//   - id must be > 0 (0 is reserved for the manager itself)
	//   - period must be > 0
	//   - execution time, critical time and offset must not be negative
	//   - binary name follows binary.ValidateName after binary.NormalizeName
	ErrInvalidDescriptor = errors.New("task: invalid descriptor")

	// ErrPanicked indicates an activation panicked (panic is recovered and reported).
	ErrPanicked = errors.New("task: activation panicked")
)
