// Package trace is the contract between the task manager and the tracing subsystem that
// supplies per-entity execution snapshots.
//
// Local is the in-process implementation: it asks each traced Subject for its own snapshot
// and enforces the trace budget. Like a trace session funded by a fixed quota where every
// traced subject needs its own buffer, Local traces at most quota/bufferSize subjects;
// the remainder are left out of snapshots and counted as dropped.
package trace

import (
	"errors"
	"sync/atomic"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
)

// ErrInvalidBudget is returned by NewLocal when the trace budget cannot hold a single subject.
var ErrInvalidBudget = errors.New("trace: buffer size exceeds quota")

// Source produces snapshots of all traced entities.
type Source interface {
	Snapshot() []eventlog.TaskInfo
}

// Subject is an entity that can describe its own tracing state.
type Subject interface {
	TraceInfo() eventlog.TaskInfo
}

// Local is a Source over a dynamic set of subjects.
//
// It is safe for concurrent use as long as the subjects func is.
type Local struct {
	subjects    func() []Subject
	maxSubjects int

	dropped atomic.Uint64
}

// NewLocal creates a tracer over subjects, bounded by quota and bufSize (bytes).
//
// bufSize == 0 disables the bound.
func NewLocal(subjects func() []Subject, quota, bufSize uint64) (*Local, error) {
	if subjects == nil {
		panic("trace: nil subjects func")
	}
	max := -1
	if bufSize > 0 {
		if bufSize > quota {
			return nil, ErrInvalidBudget
		}
		max = int(quota / bufSize)
	}
	return &Local{subjects: subjects, maxSubjects: max}, nil
}

// Snapshot captures every subject in order, up to the subject limit.
func (l *Local) Snapshot() []eventlog.TaskInfo {
	subs := l.subjects()
	if len(subs) == 0 {
		return nil
	}
	n := len(subs)
	if l.maxSubjects >= 0 && n > l.maxSubjects {
		l.dropped.Add(uint64(n - l.maxSubjects))
		n = l.maxSubjects
	}
	out := make([]eventlog.TaskInfo, 0, n)
	for _, s := range subs[:n] {
		out = append(out, s.TraceInfo())
	}
	return out
}

// MaxSubjects returns the subject limit, or -1 when unbounded.
func (l *Local) MaxSubjects() int { return l.maxSubjects }

// Dropped returns how many subject captures were left out of snapshots so far.
func (l *Local) Dropped() uint64 { return l.dropped.Load() }
