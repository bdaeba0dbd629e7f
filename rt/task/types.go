package task

import (
	"fmt"
	"time"

	"github.com/evan-idocoding/taskmgr/rt/binary"
)

// Descriptor is the immutable attribute record of a task.
type Descriptor struct {
	ID int64

	ExecutionTime time.Duration
	CriticalTime  time.Duration
	Priority      int
	Period        time.Duration
	Offset        time.Duration

	// Quota is the task's RAM budget in bytes. Zero means the task is not quota-managed.
	Quota uint64

	// Binary names the image in the binary registry.
	Binary string
}

// Normalize returns d with its binary name trimmed.
func (d Descriptor) Normalize() Descriptor {
	d.Binary = binary.NormalizeName(d.Binary)
	return d
}

// Validate checks d against the descriptor rules (see ErrInvalidDescriptor).
func (d Descriptor) Validate() error {
	switch {
	case d.ID <= 0:
		return fmt.Errorf("%w: id %d must be > 0", ErrInvalidDescriptor, d.ID)
	case d.Period <= 0:
		return fmt.Errorf("%w: task %d: period %s must be > 0", ErrInvalidDescriptor, d.ID, d.Period)
	case d.ExecutionTime < 0, d.CriticalTime < 0, d.Offset < 0:
		return fmt.Errorf("%w: task %d: negative timing attribute", ErrInvalidDescriptor, d.ID)
	}
	if err := binary.ValidateName(binary.NormalizeName(d.Binary)); err != nil {
		return fmt.Errorf("%w: task %d: %v", ErrInvalidDescriptor, d.ID, err)
	}
	return nil
}

// State is the lifecycle state of a task.
type State int

const (
	// StateIdle is the state after admission, before the first Start.
	StateIdle State = iota
	StateRunning
	StatePaused
	StateStopped
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a task state snapshot.
type Status struct {
	Descriptor Descriptor
	State      State

	// Active is true while the execution loop goroutine is alive. A stopped task whose
	// loop has not exited yet is !Running but Active.
	Active bool

	Iterations     uint64
	Failures       uint64
	DeadlineMisses uint64
	ExecutionTime  time.Duration

	LastStarted  time.Time
	LastFinished time.Time
	LastDuration time.Duration
	// LastError is the most recent activation failure. It is not cleared on success.
	LastError string

	// NextRun is the next scheduled activation. Zero when the loop is not active.
	NextRun time.Time
}

// ActivationInfo is passed to OnActivation hooks.
type ActivationInfo struct {
	TaskID int64

	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	Duration    time.Duration

	Err            string
	Panicked       bool
	DeadlineMissed bool
}
