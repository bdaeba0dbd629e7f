// Package manager owns the set of admitted tasks, drives their lifecycle and produces the
// bounded report.
//
// A Manager combines:
//   - a registry of binaries and admitted tasks, both funded by one RAM budget;
//   - a lifecycle controller that fans start/stop/pause/resume out to every task in
//     registration order;
//   - an event log fed by the tasks (auto-tracing) and by the manager itself (EXTERNAL
//     snapshots);
//   - a report buffer of fixed capacity, reserved from the RAM budget at construction.
//
// Control operations (Admit, Clear, Start, Stop, Pause, Resume, Report) are serialized.
// Task goroutines only read the task list, under a read lock, when taking snapshots.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/evan-idocoding/taskmgr/report"
	"github.com/evan-idocoding/taskmgr/rt/binary"
	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/quota"
	"github.com/evan-idocoding/taskmgr/rt/task"
	"github.com/evan-idocoding/taskmgr/rt/trace"
)

const tracerName = "github.com/evan-idocoding/taskmgr/manager"

// Manager is safe for concurrent use.
type Manager struct {
	cfg     Config
	host    task.Host
	logger  *slog.Logger
	metrics Metrics
	spans   oteltrace.Tracer

	budget   *quota.Budget
	binaries *binary.Registry
	log      *eventlog.Log
	tracer   trace.Source
	local    *trace.Local // nil when a custom tracer is set

	// opMu serializes control operations. It also guards buf.
	opMu sync.Mutex
	buf  *report.Buffer

	mu    sync.RWMutex
	tasks []*task.Task
}

// Usage is a point-in-time view of the manager's budgets.
type Usage struct {
	RAMQuota      uint64
	RAMUsed       uint64
	ReportSize    uint64
	Tasks         int
	Binaries      int
	PendingEvents int
	TraceLimit    int
	TraceDropped  uint64
}

// New creates a manager with cfg's budgets. If the host implements task.Initializer, its Init
// is called once before New returns.
//
// The report buffer is reserved from the RAM budget; a RAM quota too small to hold it fails
// with quota.ErrExhausted.
func New(ctx context.Context, cfg Config, opts ...Option) (*Manager, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.host == nil {
		o.host = task.SleepHost{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = &NilMetrics{}
	}
	if cfg.ReportSize > math.MaxInt32 {
		return nil, fmt.Errorf("manager: report size %d too large", cfg.ReportSize)
	}

	m := &Manager{
		cfg:     cfg,
		host:    o.host,
		logger:  o.logger,
		metrics: o.metrics,
		spans:   otel.Tracer(tracerName),
		budget:  quota.NewBudget(cfg.RAMQuota),
	}
	if err := m.budget.Reserve(cfg.ReportSize); err != nil {
		return nil, fmt.Errorf("manager: report buffer: %w", err)
	}
	m.buf = report.NewBuffer(int(cfg.ReportSize))
	m.binaries = binary.NewRegistry(m.budget)

	logOpts := []eventlog.Option{
		eventlog.WithOnAppend(func(ev eventlog.Event) { m.metrics.RecordEvent(ev.Type) }),
	}
	if o.now != nil {
		logOpts = append(logOpts, eventlog.WithClock(o.now))
	}
	m.log = eventlog.New(logOpts...)

	if o.tracer != nil {
		m.tracer = o.tracer
	} else {
		local, err := trace.NewLocal(m.subjects, cfg.TraceQuota, cfg.TraceBufSize)
		if err != nil {
			return nil, fmt.Errorf("manager: tracer: %w", err)
		}
		m.tracer = local
		m.local = local
	}

	if in, ok := m.host.(task.Initializer); ok {
		if err := in.Init(ctx); err != nil {
			return nil, fmt.Errorf("manager: host init: %w", err)
		}
	}
	return m, nil
}

// Name returns the manager's own binary name.
func (m *Manager) Name() string { return m.cfg.Name }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// EventLog returns the manager's event log.
func (m *Manager) EventLog() *eventlog.Log { return m.log }

// RegisterBinary registers (or looks up) a binary image of size bytes. The returned handle
// is stable for the lifetime of the manager and survives Clear.
func (m *Manager) RegisterBinary(name string, size int) (*binary.Image, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	img, _, err := m.registerBinaryLocked(name, size)
	return img, err
}

// BinarySpec names a binary image to register with AdmitWithBinaries.
type BinarySpec struct {
	Name string
	Size int
}

// AdmitWithBinaries registers bins and then admits descs as one operation. If any step
// fails, the images this call created are removed again, so a rejected batch reserves no
// memory. Images that already existed are left alone.
func (m *Manager) AdmitWithBinaries(ctx context.Context, bins []BinarySpec, descs []task.Descriptor) (err error) {
	_, span := m.startSpan(ctx, "manager.admit_with_binaries",
		attribute.Int("binaries.count", len(bins)),
		attribute.Int("tasks.count", len(descs)),
	)
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	var created []*binary.Image
	defer func() {
		if err == nil {
			return
		}
		for _, im := range created {
			m.binaries.Remove(im)
		}
		if len(created) > 0 {
			m.logger.Info("binaries rolled back", "count", len(created), "err", err)
		}
	}()

	for _, b := range bins {
		im, isNew, err := m.registerBinaryLocked(b.Name, b.Size)
		if err != nil {
			return err
		}
		if isNew {
			created = append(created, im)
		}
	}
	return m.admitLocked(span, descs)
}

// registerBinaryLocked must be called with opMu held.
func (m *Manager) registerBinaryLocked(name string, size int) (img *binary.Image, created bool, err error) {
	_, existed := m.binaries.Lookup(name)
	img, err = m.binaries.Register(name, size)
	if err != nil {
		m.logger.Warn("binary registration failed", "binary", name, "size", size, "err", err)
		return nil, false, err
	}
	return img, !existed, nil
}

// Binary looks up a registered binary by name.
func (m *Manager) Binary(name string) (*binary.Image, bool) {
	return m.binaries.Lookup(binary.NormalizeName(name))
}

// BinaryNames returns the registered binary names, sorted.
func (m *Manager) BinaryNames() []string { return m.binaries.Names() }

// Admit validates descs and appends them as idle tasks, in input order.
//
// Admission is all-or-nothing: an invalid descriptor (task.ErrInvalidDescriptor), a duplicate
// id (ErrDuplicateTaskID), an unknown binary (ErrUnknownBinary) or an exhausted RAM budget
// (quota.ErrExhausted) leaves the registry unchanged.
func (m *Manager) Admit(ctx context.Context, descs []task.Descriptor) (err error) {
	_, span := m.startSpan(ctx, "manager.admit", attribute.Int("tasks.count", len(descs)))
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.admitLocked(span, descs)
}

// admitLocked must be called with opMu held.
func (m *Manager) admitLocked(span oteltrace.Span, descs []task.Descriptor) error {
	if len(descs) == 0 {
		return nil
	}

	seen := make(map[int64]struct{}, len(descs)+m.Len())
	for _, st := range m.Statuses() {
		seen[st.Descriptor.ID] = struct{}{}
	}

	type admitted struct {
		desc  task.Descriptor
		image *binary.Image
	}
	batch := make([]admitted, 0, len(descs))
	var sum uint64
	for i, d := range descs {
		d = d.Normalize()
		if err := d.Validate(); err != nil {
			m.metrics.RecordRejected("invalid")
			return fmt.Errorf("manager: descriptor %d: %w", i, err)
		}
		if _, dup := seen[d.ID]; dup {
			m.metrics.RecordRejected("duplicate")
			return fmt.Errorf("%w: %d", ErrDuplicateTaskID, d.ID)
		}
		seen[d.ID] = struct{}{}

		img, ok := m.binaries.Lookup(d.Binary)
		if !ok {
			m.metrics.RecordRejected("unknown_binary")
			return fmt.Errorf("%w: %q (task %d)", ErrUnknownBinary, d.Binary, d.ID)
		}
		if d.Quota > math.MaxUint64-sum {
			m.metrics.RecordRejected("quota")
			return fmt.Errorf("%w: task quotas overflow", quota.ErrExhausted)
		}
		sum += d.Quota
		batch = append(batch, admitted{desc: d, image: img})
	}

	if err := m.budget.Reserve(sum); err != nil {
		m.metrics.RecordRejected("quota")
		return fmt.Errorf("manager: task quotas: %w", err)
	}

	tasks := make([]*task.Task, 0, len(batch))
	for _, a := range batch {
		t, err := task.New(a.desc, a.image, m.host,
			task.WithRecorder(m),
			task.WithLogger(m.logger),
			task.WithOnActivation(m.metrics.RecordActivation),
		)
		if err != nil {
			m.budget.Release(sum)
			return fmt.Errorf("manager: task %d: %w", a.desc.ID, err)
		}
		tasks = append(tasks, t)
	}

	m.mu.Lock()
	m.tasks = append(m.tasks, tasks...)
	n := len(m.tasks)
	m.mu.Unlock()

	m.metrics.RecordAdmitted(len(tasks))
	m.metrics.RecordLiveTasks(n)
	m.logger.Info("tasks admitted", "count", len(tasks), "quota", sum, "live", n)
	span.SetAttributes(attribute.Int64("tasks.quota", int64(min(sum, math.MaxInt64))))
	return nil
}

// Clear stops every task, waits for each to confirm teardown and discards them all, releasing
// their quota. Binaries are kept.
//
// Teardown waits at most Config.TeardownTimeout (bounded further by ctx). Tasks that did not
// settle in time are reported through ErrTeardownTimeout; they are discarded regardless.
func (m *Manager) Clear(ctx context.Context) (err error) {
	ctx, span := m.startSpan(ctx, "manager.clear")
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	tasks := m.snapshot()
	m.stop()

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, m.cfg.TeardownTimeout)
	defer cancel()

	var (
		g         errgroup.Group
		pendingMu sync.Mutex
		pending   []int64
	)
	for _, t := range tasks {
		done := t.Destroy()
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-waitCtx.Done():
			}
			// The task may have settled right at the deadline.
			select {
			case <-done:
				return nil
			default:
			}
			pendingMu.Lock()
			pending = append(pending, t.ID())
			pendingMu.Unlock()
			return ErrTeardownTimeout
		})
	}
	waitErr := g.Wait()
	elapsed := time.Since(start)

	var released uint64
	for _, t := range tasks {
		released += t.Descriptor().Quota
	}
	m.mu.Lock()
	m.tasks = nil
	m.mu.Unlock()
	m.budget.Release(released)

	m.metrics.RecordTeardown(elapsed, len(pending))
	m.metrics.RecordLiveTasks(0)
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))

	if waitErr != nil {
		slices.Sort(pending)
		m.logger.Warn("task teardown timed out", "unsettled", pending, "timeout", m.cfg.TeardownTimeout)
		return fmt.Errorf("%w after %s: tasks %v", ErrTeardownTimeout, m.cfg.TeardownTimeout, pending)
	}
	m.logger.Info("tasks cleared", "count", len(tasks), "elapsed", elapsed)
	return nil
}

// Start starts every idle or stopped task, in registration order. Tasks already running or
// paused are left alone.
//
// Task loops outlive ctx's cancellation; they end with Stop or Clear.
func (m *Manager) Start(ctx context.Context) {
	ctx, span := m.startSpan(ctx, "manager.start")
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	n := 0
	for _, t := range m.snapshot() {
		if t.Start(runCtx) {
			n++
		}
	}
	span.SetAttributes(attribute.Int("tasks.started", n))
	m.logger.Info("tasks started", "count", n)
}

// Stop records an EXTERNAL snapshot (task id -1), then stops every running or paused task in
// registration order. It does not wait for the tasks to settle.
func (m *Manager) Stop(ctx context.Context) {
	_, span := m.startSpan(ctx, "manager.stop")
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	n := m.stop()
	span.SetAttributes(attribute.Int("tasks.stopped", n))
	m.logger.Info("tasks stopped", "count", n)
}

// Pause pauses every running task in registration order.
func (m *Manager) Pause(ctx context.Context) {
	_, span := m.startSpan(ctx, "manager.pause")
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	n := 0
	for _, t := range m.snapshot() {
		if t.Pause() {
			n++
		}
	}
	span.SetAttributes(attribute.Int("tasks.paused", n))
	m.logger.Info("tasks paused", "count", n)
}

// Resume resumes every paused task in registration order.
func (m *Manager) Resume(ctx context.Context) {
	_, span := m.startSpan(ctx, "manager.resume")
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	n := 0
	for _, t := range m.snapshot() {
		if t.Resume() {
			n++
		}
	}
	span.SetAttributes(attribute.Int("tasks.resumed", n))
	m.logger.Info("tasks resumed", "count", n)
}

// Report drains the event log, closed by a fresh EXTERNAL snapshot, into a newly rendered
// report holding the manager's descriptor, every registered descriptor and the drained events.
//
// If the document does not fit the report buffer, Report fails with report.ErrOverflow and
// the log is left untouched: the events stay and no EXTERNAL snapshot is added. DiscardEvents
// makes room again.
func (m *Manager) Report(ctx context.Context) (_ report.Report, err error) {
	_, span := m.startSpan(ctx, "manager.report")
	defer func() { endSpan(span, err) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	doc := report.Document{
		Manager: report.Self{Name: m.cfg.Name, Quota: m.cfg.RAMQuota},
		Tasks:   m.Descriptors(),
	}
	var out report.Report
	snap := m.tracer.Snapshot()
	err = m.log.RecordDrainFunc(eventlog.EventExternal, eventlog.SystemTaskID, snap, func(events []eventlog.Event) error {
		doc.Events = events
		if err := report.Render(m.buf, doc); err != nil {
			return err
		}
		out = m.buf.Report()
		return nil
	})
	if err != nil {
		if errors.Is(err, report.ErrOverflow) {
			m.metrics.RecordReportOverflow()
			m.logger.Warn("report overflow; events kept", "capacity", m.buf.Cap(), "pending", m.log.Len())
		}
		return report.Report{}, err
	}
	span.SetAttributes(
		attribute.Int("report.bytes", out.Len()),
		attribute.Int("report.events", len(doc.Events)),
	)
	m.metrics.RecordReport(out.Len(), len(doc.Events))
	return out, nil
}

// DiscardEvents drops every pending event without reporting it and returns how many were
// dropped. It is the way out when the backlog no longer fits the report buffer.
func (m *Manager) DiscardEvents(ctx context.Context) int {
	_, span := m.startSpan(ctx, "manager.discard_events")
	defer span.End()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	n := m.log.Discard()
	span.SetAttributes(attribute.Int("events.discarded", n))
	m.logger.Warn("pending events discarded", "count", n)
	return n
}

// RecordTaskEvent implements task.Recorder: it appends an event carrying a fresh snapshot of
// every traced task.
func (m *Manager) RecordTaskEvent(typ eventlog.EventType, taskID int64) {
	m.log.Record(typ, taskID, m.tracer.Snapshot())
}

// Len returns the number of live tasks.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Descriptors returns the descriptors of all live tasks in registration order.
func (m *Manager) Descriptors() []task.Descriptor {
	tasks := m.snapshot()
	out := make([]task.Descriptor, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Descriptor())
	}
	return out
}

// Statuses returns the status of all live tasks in registration order.
func (m *Manager) Statuses() []task.Status {
	tasks := m.snapshot()
	out := make([]task.Status, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Status())
	}
	return out
}

// Usage returns the current budget usage.
func (m *Manager) Usage() Usage {
	u := Usage{
		RAMQuota:      m.budget.Limit(),
		RAMUsed:       m.budget.Used(),
		ReportSize:    m.cfg.ReportSize,
		Tasks:         m.Len(),
		Binaries:      m.binaries.Len(),
		PendingEvents: m.log.Len(),
		TraceLimit:    -1,
	}
	if m.local != nil {
		u.TraceLimit = m.local.MaxSubjects()
		u.TraceDropped = m.local.Dropped()
	}
	return u
}

func (m *Manager) snapshot() []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.tasks)
}

func (m *Manager) subjects() []trace.Subject {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]trace.Subject, len(m.tasks))
	for i, t := range m.tasks {
		out[i] = t
	}
	return out
}

// stop must be called with opMu held.
func (m *Manager) stop() int {
	m.log.Record(eventlog.EventExternal, eventlog.SystemTaskID, m.tracer.Snapshot())
	n := 0
	for _, t := range m.snapshot() {
		st := t.State()
		if st != task.StateRunning && st != task.StatePaused {
			continue
		}
		t.Stop()
		n++
	}
	return n
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.spans.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
