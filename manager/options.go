package manager

import (
	"log/slog"
	"time"

	"github.com/evan-idocoding/taskmgr/rt/task"
	"github.com/evan-idocoding/taskmgr/rt/trace"
)

// Default budgets.
const (
	DefaultName            = "task-manager"
	DefaultRAMQuota        = 1 << 20
	DefaultTraceQuota      = 1 << 20
	DefaultTraceBufSize    = 64 << 10
	DefaultReportSize      = 128 << 10
	DefaultTeardownTimeout = 500 * time.Millisecond
)

// Config holds the fixed budgets of a Manager. Zero fields take their defaults.
type Config struct {
	// Name is the manager's own binary name in reports.
	Name string

	// RAMQuota funds the report buffer, registered binaries and task quotas.
	RAMQuota uint64

	// TraceQuota and TraceBufSize bound the default tracer to TraceQuota/TraceBufSize subjects.
	TraceQuota   uint64
	TraceBufSize uint64

	// ReportSize is the fixed capacity of the report buffer, in bytes.
	ReportSize uint64

	// TeardownTimeout bounds how long Clear waits for tasks to confirm teardown.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the default budgets.
func DefaultConfig() Config {
	return Config{
		Name:            DefaultName,
		RAMQuota:        DefaultRAMQuota,
		TraceQuota:      DefaultTraceQuota,
		TraceBufSize:    DefaultTraceBufSize,
		ReportSize:      DefaultReportSize,
		TeardownTimeout: DefaultTeardownTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.RAMQuota == 0 {
		c.RAMQuota = d.RAMQuota
	}
	if c.TraceQuota == 0 {
		c.TraceQuota = d.TraceQuota
	}
	if c.TraceBufSize == 0 {
		c.TraceBufSize = d.TraceBufSize
	}
	if c.ReportSize == 0 {
		c.ReportSize = d.ReportSize
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	return c
}

type options struct {
	host    task.Host
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Source
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*options)

// WithHost sets the execution host for all tasks. Default is task.SleepHost.
func WithHost(h task.Host) Option {
	return func(o *options) { o.host = h }
}

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink. Default is NilMetrics.
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer replaces the default tracer (a trace.Local over the live tasks).
func WithTracer(s trace.Source) Option {
	return func(o *options) { o.tracer = s }
}

// WithClock overrides the event log clock. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
