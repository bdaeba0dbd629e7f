package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/evan-idocoding/taskmgr/rt/binary"
	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/safego"
)

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Task is a Descriptor bound to a binary image and an execution Host.
//
// It is safe for concurrent use.
type Task struct {
	desc  Descriptor
	image *binary.Image
	host  Host

	recorder     Recorder
	logger       *slog.Logger
	onActivation func(info ActivationInfo)

	mu sync.Mutex

	state State
	// gen identifies the current execution loop; loops from earlier Start calls
	// check it before touching shared scheduling fields.
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}

	iterations   uint64
	failures     uint64
	misses       uint64
	execTime     time.Duration
	lastStarted  time.Time
	lastFinished time.Time
	lastDuration time.Duration
	lastError    string
	nextRun      time.Time
}

// New creates an idle task. d is normalized and validated; image may be nil for hosts
// that do not need a payload.
func New(d Descriptor, image *binary.Image, host Host, opts ...Option) (*Task, error) {
	if host == nil {
		panic("task: New called with nil Host")
	}
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var c taskConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return &Task{
		desc:         d,
		image:        image,
		host:         host,
		recorder:     c.recorder,
		logger:       c.logger,
		onActivation: c.onActivation,
		state:        StateIdle,
	}, nil
}

// ID returns the descriptor id.
func (t *Task) ID() int64 { return t.desc.ID }

// Descriptor returns the immutable descriptor.
func (t *Task) Descriptor() Descriptor { return t.desc }

// Image returns the bound binary image (may be nil).
func (t *Task) Image() *binary.Image { return t.image }

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start launches the execution loop. It reports false (and does nothing) unless the task is
// idle or stopped. The loop runs until Stop/Destroy or until ctx is canceled.
//
// Restarting a stopped task whose previous loop is still inside an activation is allowed;
// the new teardown channel is not closed before the previous loop has exited.
//
// If ctx is nil, it is treated as context.Background().
func (t *Task) Start(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if t.state != StateIdle && t.state != StateStopped {
		t.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.gen++
	gen := t.gen
	prev := t.done
	done := make(chan struct{})
	t.state = StateRunning
	t.cancel = cancel
	t.done = done
	base := time.Now()
	t.mu.Unlock()

	safego.Go(loopCtx, func(ctx context.Context) { t.run(ctx, gen, base, prev, done) },
		safego.WithName("task loop"),
		safego.WithAttrs(t.attrs()...),
		safego.WithLogger(t.logger),
	)
	return true
}

// Pause moves a running task to paused. Paused tasks skip activations.
func (t *Task) Pause() bool {
	t.mu.Lock()
	if t.state != StateRunning {
		t.mu.Unlock()
		return false
	}
	t.state = StatePaused
	t.mu.Unlock()
	t.record(eventlog.EventPause)
	return true
}

// Resume moves a paused task back to running.
func (t *Task) Resume() bool {
	t.mu.Lock()
	if t.state != StatePaused {
		t.mu.Unlock()
		return false
	}
	t.state = StateRunning
	t.mu.Unlock()
	t.record(eventlog.EventResume)
	return true
}

// Stop requests a running or paused task to stop and returns a channel that is closed once
// its execution loop has exited. For tasks that are not active the channel is already closed.
func (t *Task) Stop() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateRunning || t.state == StatePaused {
		t.state = StateStopped
		t.cancelLocked()
	}
	return t.doneLocked()
}

// Destroy stops the task permanently. It returns the same teardown channel as Stop.
func (t *Task) Destroy() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = StateDestroyed
	t.cancelLocked()
	return t.doneLocked()
}

// Done returns a channel closed when the most recent execution loop has exited.
func (t *Task) Done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneLocked()
}

func (t *Task) cancelLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Task) doneLocked() <-chan struct{} {
	if t.done == nil {
		return closedCh
	}
	return t.done
}

// Status returns a snapshot of the task's current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := false
	if t.done != nil {
		select {
		case <-t.done:
		default:
			active = true
		}
	}
	return Status{
		Descriptor:     t.desc,
		State:          t.state,
		Active:         active,
		Iterations:     t.iterations,
		Failures:       t.failures,
		DeadlineMisses: t.misses,
		ExecutionTime:  t.execTime,
		LastStarted:    t.lastStarted,
		LastFinished:   t.lastFinished,
		LastDuration:   t.lastDuration,
		LastError:      t.lastError,
		NextRun:        t.nextRun,
	}
}

// TraceInfo returns the task's tracing snapshot. Tasks with a non-zero quota carry a managed
// sub-record.
func (t *Task) TraceInfo() eventlog.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	ti := eventlog.TaskInfo{
		ID:            t.desc.ID,
		Session:       t.desc.Binary,
		Thread:        t.desc.Binary,
		State:         t.state.String(),
		ExecutionTime: t.execTime,
	}
	if t.desc.Quota > 0 {
		var used uint64
		if t.image != nil {
			used = uint64(t.image.Size())
		}
		ti.Managed = &eventlog.ManagedInfo{
			ID:        t.desc.ID,
			Quota:     t.desc.Quota,
			Used:      used,
			Iteration: t.iterations,
		}
	}
	return ti
}

func (t *Task) run(ctx context.Context, gen uint64, base time.Time, prev <-chan struct{}, done chan struct{}) {
	defer func() {
		if prev != nil {
			<-prev
		}
		close(done)
	}()
	defer t.record(eventlog.EventExit)
	defer t.setNextRun(gen, time.Time{})

	t.record(eventlog.EventStart)

	first := base.Add(t.desc.Offset)
	next := first

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	for {
		t.setNextRun(gen, next)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if t.shouldActivate(gen) {
				t.activate(ctx, next)
			}
			// Never catch up: compute next future tick from now.
			next = nextTickAfter(first, t.desc.Period, time.Now())
			resetTimer(timer, next)
		}
	}
}

func (t *Task) shouldActivate(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.state == StateRunning
}

func (t *Task) activate(ctx context.Context, scheduledAt time.Time) {
	startedAt := time.Now()
	err := t.exec(ctx)
	finishedAt := time.Now()
	dur := finishedAt.Sub(startedAt)

	var pe *safego.PanicError
	panicked := errors.As(err, &pe)
	if panicked {
		err = fmt.Errorf("%w: %v", ErrPanicked, pe.Value)
	}
	canceled := err != nil && !panicked && stoppedErr(ctx, err)
	failed := err != nil && !canceled
	missed := !canceled && t.desc.CriticalTime > 0 && dur > t.desc.CriticalTime

	t.mu.Lock()
	t.iterations++
	t.execTime += dur
	t.lastStarted = startedAt
	t.lastFinished = finishedAt
	t.lastDuration = dur
	if failed {
		t.failures++
		t.lastError = err.Error()
	}
	if missed {
		t.misses++
	}
	t.mu.Unlock()

	if t.onActivation != nil {
		info := ActivationInfo{
			TaskID:         t.desc.ID,
			ScheduledAt:    scheduledAt,
			StartedAt:      startedAt,
			FinishedAt:     finishedAt,
			Duration:       dur,
			Panicked:       panicked,
			DeadlineMissed: missed,
		}
		if failed {
			info.Err = err.Error()
		}
		t.callNoPanic("activation hook", func() { t.onActivation(info) })
	}

	if missed {
		t.logger.Debug("task missed deadline", "task", t.desc.ID, "duration", dur, "critical_time", t.desc.CriticalTime)
		t.record(eventlog.EventDeadline)
	}
	t.record(eventlog.EventTask)
}

// exec runs one activation. Failures are logged and recorded as ERROR events by the
// safego handlers; a recovered panic comes back as a *safego.PanicError.
func (t *Task) exec(ctx context.Context) error {
	var img []byte
	if t.image != nil {
		img = t.image.Bytes()
	}
	return safego.RunErr(ctx, func(ctx context.Context) error {
		return t.host.Exec(ctx, t.desc, img)
	},
		safego.WithName("task activation"),
		safego.WithAttrs(t.attrs()...),
		safego.WithLogger(t.logger),
		safego.WithReportContextCancel(true),
		safego.WithErrorHandler(t.onExecError),
		safego.WithPanicHandler(t.onExecPanic),
	)
}

func (t *Task) onExecError(ctx context.Context, info safego.ErrorInfo) {
	// A host returning because the loop was stopped is neither a failure nor a miss.
	if stoppedErr(ctx, info.Err) {
		return
	}
	t.logger.Warn("task activation failed", "task", t.desc.ID, "binary", t.desc.Binary, "err", info.Err)
	t.record(eventlog.EventError)
}

func (t *Task) onExecPanic(_ context.Context, info safego.PanicInfo) {
	t.logger.Error("task activation panicked",
		"task", t.desc.ID,
		"binary", t.desc.Binary,
		"panic", info.Value,
		"stack", string(info.Stack),
	)
	t.record(eventlog.EventError)
}

func (t *Task) attrs() []slog.Attr {
	return []slog.Attr{slog.Int64("task", t.desc.ID), slog.String("binary", t.desc.Binary)}
}

func (t *Task) record(typ eventlog.EventType) {
	if t.recorder == nil {
		return
	}
	t.callNoPanic("recorder", func() { t.recorder.RecordTaskEvent(typ, t.desc.ID) })
}

func (t *Task) callNoPanic(what string, fn func()) {
	safego.Run(context.Background(), func(context.Context) { fn() },
		safego.WithName("task "+what),
		safego.WithAttrs(t.attrs()...),
		safego.WithLogger(t.logger),
	)
}

func (t *Task) setNextRun(gen uint64, next time.Time) {
	t.mu.Lock()
	if t.gen == gen {
		t.nextRun = next
	}
	t.mu.Unlock()
}

// stoppedErr reports whether err is the loop context's own cancellation.
func stoppedErr(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func nextTickAfter(base time.Time, interval time.Duration, now time.Time) time.Time {
	if interval <= 0 {
		return now
	}
	if now.Before(base) {
		return base
	}
	d := now.Sub(base)
	k := int64(d/interval) + 1 // strictly after now
	return base.Add(time.Duration(k) * interval)
}

func resetTimer(t *time.Timer, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
