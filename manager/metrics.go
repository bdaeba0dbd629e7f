package manager

import (
	"time"

	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

// Metrics receives manager measurements. Implementations must be safe for concurrent use;
// RecordEvent and RecordActivation are called from task goroutines.
type Metrics interface {
	RecordEvent(typ eventlog.EventType)
	RecordActivation(info task.ActivationInfo)
	RecordAdmitted(n int)
	RecordRejected(reason string)
	RecordLiveTasks(n int)
	RecordTeardown(d time.Duration, unsettled int)
	RecordReport(size, events int)
	RecordReportOverflow()
}

// NilMetrics discards all measurements.
type NilMetrics struct{}

var _ Metrics = (*NilMetrics)(nil)

func (*NilMetrics) RecordEvent(eventlog.EventType) {}
func (*NilMetrics) RecordActivation(task.ActivationInfo) {}
func (*NilMetrics) RecordAdmitted(int) {}
func (*NilMetrics) RecordRejected(string) {}
func (*NilMetrics) RecordLiveTasks(int) {}
func (*NilMetrics) RecordTeardown(time.Duration, int) {}
func (*NilMetrics) RecordReport(int, int) {}
func (*NilMetrics) RecordReportOverflow() {}
