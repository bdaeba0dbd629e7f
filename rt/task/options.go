package task

import (
	"log/slog"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
)

// Recorder receives runtime events of a task. It is called from the task's goroutine
// (start, activation, deadline, error, exit) and from the caller of Pause/Resume.
//
// Implementations must be safe for concurrent use and must not call back into the Task.
type Recorder interface {
	RecordTaskEvent(typ eventlog.EventType, taskID int64)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(typ eventlog.EventType, taskID int64)

// RecordTaskEvent calls f.
func (f RecorderFunc) RecordTaskEvent(typ eventlog.EventType, taskID int64) { f(typ, taskID) }

type taskConfig struct {
	recorder     Recorder
	logger       *slog.Logger
	onActivation func(info ActivationInfo)
}

// Option configures a Task.
type Option func(*taskConfig)

// WithRecorder sets the event recorder. Without one, events are dropped.
func WithRecorder(r Recorder) Option {
	return func(c *taskConfig) { c.recorder = r }
}

// WithLogger sets the logger used for activation failures and panics.
// Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *taskConfig) { c.logger = l }
}

// WithOnActivation sets a hook to observe finished activations. Hooks are called synchronously
// on the task goroutine; they must be fast and must not block.
func WithOnActivation(fn func(info ActivationInfo)) Option {
	return func(c *taskConfig) { c.onActivation = fn }
}
