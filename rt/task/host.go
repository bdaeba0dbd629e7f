package task

import (
	"context"
	"time"
)

// Host executes task binaries.
//
// Exec runs one activation of the task described by d, using image as its executable payload.
// It must return when ctx is canceled. Exec is called from the task's own goroutine and
// never concurrently for the same task.
type Host interface {
	Exec(ctx context.Context, d Descriptor, image []byte) error
}

// Initializer is implemented by hosts that need one-time setup (for example loading a
// shared runtime component) before any task runs. The manager calls Init once at construction.
type Initializer interface {
	Init(ctx context.Context) error
}

// HostFunc adapts a function to Host.
type HostFunc func(ctx context.Context, d Descriptor, image []byte) error

// Exec calls f.
func (f HostFunc) Exec(ctx context.Context, d Descriptor, image []byte) error {
	return f(ctx, d, image)
}

// SleepHost simulates an activation by waiting for the task's execution time.
type SleepHost struct{}

// Exec waits d.ExecutionTime or until ctx is done.
func (SleepHost) Exec(ctx context.Context, d Descriptor, _ []byte) error {
	if d.ExecutionTime <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d.ExecutionTime)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
