package eventlog

import (
	"fmt"
	"time"
)

// SystemTaskID marks events triggered by the manager rather than by a single task.
const SystemTaskID int64 = -1

// EventType classifies an Event.
type EventType int

const (
	// EventExternal is a full snapshot requested from outside the tasks (stop-all, report).
	EventExternal EventType = iota
	// EventTask is recorded after a task activation finishes.
	EventTask
	// EventStart is recorded when a task's execution loop begins.
	EventStart
	// EventExit is recorded when a task's execution loop has exited.
	EventExit
	// EventPause is recorded when a running task is paused.
	EventPause
	// EventResume is recorded when a paused task is resumed.
	EventResume
	// EventDeadline is recorded when an activation overruns the task's critical time.
	EventDeadline
	// EventError is recorded when an activation fails or panics.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventExternal:
		return "EXTERNAL"
	case EventTask:
		return "TASK"
	case EventStart:
		return "START"
	case EventExit:
		return "EXIT"
	case EventPause:
		return "PAUSE"
	case EventResume:
		return "RESUME"
	case EventDeadline:
		return "DEADLINE"
	case EventError:
		return "ERROR"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is one log record.
type Event struct {
	Type EventType
	// TaskID is the originating task, or SystemTaskID.
	TaskID int64
	// TimeStamp is the elapsed time since the log epoch. It is informational; log order is append order.
	TimeStamp time.Duration
	TaskInfos []TaskInfo
}

// TaskInfo is a point-in-time capture of one execution entity.
type TaskInfo struct {
	ID            int64
	Session       string
	Thread        string
	State         string
	ExecutionTime time.Duration

	// Managed is non-nil only for entities whose quota is tracked by the manager.
	Managed *ManagedInfo
}

// IsManaged reports whether the entity carries a managed sub-record.
func (ti TaskInfo) IsManaged() bool { return ti.Managed != nil }

// ManagedInfo describes a quota-managed entity.
type ManagedInfo struct {
	ID        int64
	Quota     uint64
	Used      uint64
	Iteration uint64
}

func cloneInfos(in []TaskInfo) []TaskInfo {
	if len(in) == 0 {
		return nil
	}
	out := make([]TaskInfo, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Managed != nil {
			mi := *out[i].Managed
			out[i].Managed = &mi
		}
	}
	return out
}
