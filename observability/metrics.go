// Package observability wires the task manager into Prometheus, OpenTelemetry and slog.
package observability

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts manager.Metrics to Prometheus collectors.
type MetricsExporter struct {
	eventsTotal         *prom.CounterVec
	activationSeconds   *prom.HistogramVec
	activationFailures  *prom.CounterVec
	deadlineMissesTotal *prom.CounterVec
	admittedTotal       prom.Counter
	rejectedTotal       *prom.CounterVec
	liveTasks           prom.Gauge
	teardownSeconds     prom.Histogram
	teardownUnsettled   prom.Counter
	reportBytes         prom.Gauge
	reportEvents        prom.Counter
	reportOverflowTotal prom.Counter
}

var _ manager.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors. Registering twice against the
// same registry reuses the existing collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "taskmgr"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.ExponentialBuckets(0.0005, 2, 14)
	}

	m := &MetricsExporter{
		eventsTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events appended to the event log, by type.",
		}, []string{"type"}),
		activationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "activation_duration_seconds",
			Help:      "Task activation duration in seconds.",
			Buckets:   buckets,
		}, []string{"task"}),
		activationFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "activation_failures_total",
			Help:      "Failed task activations, by cause.",
		}, []string{"task", "cause"}),
		deadlineMissesTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_misses_total",
			Help:      "Activations that overran their critical time.",
		}, []string{"task"}),
		admittedTotal: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_admitted_total",
			Help:      "Tasks admitted.",
		}),
		rejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_rejected_total",
			Help:      "Rejected admission calls, by reason.",
		}, []string{"reason"}),
		liveTasks: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_live",
			Help:      "Currently registered tasks.",
		}),
		teardownSeconds: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "teardown_duration_seconds",
			Help:      "Time spent waiting for tasks to confirm teardown.",
			Buckets:   buckets,
		}),
		teardownUnsettled: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_unsettled_total",
			Help:      "Tasks that did not confirm teardown in time.",
		}),
		reportBytes: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "report_bytes",
			Help:      "Size of the last rendered report.",
		}),
		reportEvents: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "report_events_total",
			Help:      "Events drained into reports.",
		}),
		reportOverflowTotal: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "report_overflow_total",
			Help:      "Reports that did not fit the report buffer.",
		}),
	}

	var err error
	if m.eventsTotal, err = registerCollector(reg, m.eventsTotal); err != nil {
		return nil, err
	}
	if m.activationSeconds, err = registerCollector(reg, m.activationSeconds); err != nil {
		return nil, err
	}
	if m.activationFailures, err = registerCollector(reg, m.activationFailures); err != nil {
		return nil, err
	}
	if m.deadlineMissesTotal, err = registerCollector(reg, m.deadlineMissesTotal); err != nil {
		return nil, err
	}
	if m.admittedTotal, err = registerCollector(reg, m.admittedTotal); err != nil {
		return nil, err
	}
	if m.rejectedTotal, err = registerCollector(reg, m.rejectedTotal); err != nil {
		return nil, err
	}
	if m.liveTasks, err = registerCollector(reg, m.liveTasks); err != nil {
		return nil, err
	}
	if m.teardownSeconds, err = registerCollector(reg, m.teardownSeconds); err != nil {
		return nil, err
	}
	if m.teardownUnsettled, err = registerCollector(reg, m.teardownUnsettled); err != nil {
		return nil, err
	}
	if m.reportBytes, err = registerCollector(reg, m.reportBytes); err != nil {
		return nil, err
	}
	if m.reportEvents, err = registerCollector(reg, m.reportEvents); err != nil {
		return nil, err
	}
	if m.reportOverflowTotal, err = registerCollector(reg, m.reportOverflowTotal); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordEvent counts an appended event.
func (m *MetricsExporter) RecordEvent(typ eventlog.EventType) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(typ.String()).Inc()
}

// RecordActivation observes a finished activation.
func (m *MetricsExporter) RecordActivation(info task.ActivationInfo) {
	if m == nil {
		return
	}
	id := taskLabel(info.TaskID)
	m.activationSeconds.WithLabelValues(id).Observe(info.Duration.Seconds())
	switch {
	case info.Panicked:
		m.activationFailures.WithLabelValues(id, "panic").Inc()
	case info.Err != "":
		m.activationFailures.WithLabelValues(id, "error").Inc()
	}
	if info.DeadlineMissed {
		m.deadlineMissesTotal.WithLabelValues(id).Inc()
	}
}

// RecordAdmitted counts admitted tasks.
func (m *MetricsExporter) RecordAdmitted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.admittedTotal.Add(float64(n))
}

// RecordRejected counts a rejected admission.
func (m *MetricsExporter) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

// RecordLiveTasks sets the live task gauge.
func (m *MetricsExporter) RecordLiveTasks(n int) {
	if m == nil {
		return
	}
	m.liveTasks.Set(float64(n))
}

// RecordTeardown observes a Clear.
func (m *MetricsExporter) RecordTeardown(d time.Duration, unsettled int) {
	if m == nil {
		return
	}
	m.teardownSeconds.Observe(d.Seconds())
	if unsettled > 0 {
		m.teardownUnsettled.Add(float64(unsettled))
	}
}

// RecordReport observes a rendered report.
func (m *MetricsExporter) RecordReport(size, events int) {
	if m == nil {
		return
	}
	m.reportBytes.Set(float64(size))
	m.reportEvents.Add(float64(events))
}

// RecordReportOverflow counts a report overflow.
func (m *MetricsExporter) RecordReportOverflow() {
	if m == nil {
		return
	}
	m.reportOverflowTotal.Inc()
}

func taskLabel(id int64) string { return fmt.Sprintf("%d", id) }

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("observability: collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
