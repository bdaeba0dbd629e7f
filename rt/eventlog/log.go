// Package eventlog implements the append-only event log shared by running tasks and the
// task manager's control plane.
//
// All operations take a single mutex. Drain (and DrainFunc) hold it across both the read
// and the clear, so an event appended concurrently lands either entirely in the drained
// batch or entirely in the next one.
package eventlog

import (
	"sync"
	"time"
)

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for time stamps. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// WithOnAppend sets a hook called after every append, outside the lock.
// Hooks must be fast and must not call back into the Log.
func WithOnAppend(fn func(Event)) Option {
	return func(l *Log) { l.onAppend = fn }
}

// Log is an ordered, mutex-guarded event sequence.
//
// It is safe for concurrent use.
type Log struct {
	now      func() time.Time
	epoch    time.Time
	onAppend func(Event)

	mu     sync.Mutex
	events []Event
}

// New creates an empty log whose epoch is the current time.
func New(opts ...Option) *Log {
	l := &Log{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.epoch = l.now()
	return l
}

// Epoch returns the reference time for event time stamps.
func (l *Log) Epoch() time.Time { return l.epoch }

// Append adds ev at the end of the log.
func (l *Log) Append(ev Event) {
	ev.TaskInfos = cloneInfos(ev.TaskInfos)
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if l.onAppend != nil {
		l.onAppend(ev)
	}
}

// Record builds an event stamped with the elapsed time since the epoch and appends it.
// The stamp is taken under the lock, so time stamps never decrease in log order.
func (l *Log) Record(typ EventType, taskID int64, infos []TaskInfo) Event {
	ev := Event{
		Type:      typ,
		TaskID:    taskID,
		TaskInfos: cloneInfos(infos),
	}
	l.mu.Lock()
	ev.TimeStamp = l.now().Sub(l.epoch)
	l.events = append(l.events, ev)
	l.mu.Unlock()
	if l.onAppend != nil {
		l.onAppend(ev)
	}
	return ev
}

// Drain returns all events in append order and leaves the log empty.
func (l *Log) Drain() []Event {
	l.mu.Lock()
	out := l.events
	l.events = nil
	l.mu.Unlock()
	return out
}

// DrainFunc passes the current events to fn while holding the lock, and clears the log
// only if fn returns nil. Appends block while fn runs.
//
// fn must not retain the slice and must not call back into the Log.
func (l *Log) DrainFunc(fn func([]Event) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := fn(l.events); err != nil {
		return err
	}
	l.events = nil
	return nil
}

// RecordDrainFunc is DrainFunc with one more event at the end: fn receives the buffered
// events followed by an event of typ for taskID, stamped under the lock. Only when fn returns
// nil is that event committed (and drained with the rest); otherwise the log is left exactly
// as it was.
//
// fn must not retain the slice and must not call back into the Log.
func (l *Log) RecordDrainFunc(typ EventType, taskID int64, infos []TaskInfo, fn func([]Event) error) error {
	ev := Event{
		Type:      typ,
		TaskID:    taskID,
		TaskInfos: cloneInfos(infos),
	}
	l.mu.Lock()
	ev.TimeStamp = l.now().Sub(l.epoch)
	n := len(l.events)
	batch := append(l.events[:n:n], ev)
	if err := fn(batch); err != nil {
		l.mu.Unlock()
		return err
	}
	l.events = nil
	l.mu.Unlock()
	if l.onAppend != nil {
		l.onAppend(ev)
	}
	return nil
}

// Discard drops every buffered event and returns how many were dropped.
func (l *Log) Discard() int {
	l.mu.Lock()
	n := len(l.events)
	l.events = nil
	l.mu.Unlock()
	return n
}

// Len returns the number of buffered events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
