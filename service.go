package taskmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/httpx"
	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/observability"
	"github.com/evan-idocoding/taskmgr/ops"
	"github.com/evan-idocoding/taskmgr/rt/safego"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

var (
	// ErrAlreadyStarted indicates Start/Run was called more than once.
	ErrAlreadyStarted = errors.New("taskmgr: service already started")
	// ErrNotStarted indicates Wait was called before Start.
	ErrNotStarted = errors.New("taskmgr: service not started")
)

// Service is a task manager served over its ops HTTP surface.
type Service struct {
	Manager     *manager.Manager
	Server      *http.Server
	Metrics     *observability.MetricsExporter
	Registry    *prometheus.Registry
	LogLevelVar *slog.LevelVar

	// --- internals ---

	logger          *slog.Logger
	hooks           ServiceHooks
	signals         SignalSpec
	shutdownTimeout time.Duration
	tasks           *config.Document
	autoStart       bool

	mu        sync.Mutex
	started   bool
	startCtx  context.Context
	startStop context.CancelFunc
	stopping  bool
	listener  net.Listener

	primaryErr error

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	shutdownErr  error

	doneCh  chan struct{}
	waitErr error
}

// ServiceSpec describes a Service.
type ServiceSpec struct {
	// Config supplies the manager budgets, the listen address, the optional bearer token for
	// write requests, the shutdown timeout and the metrics namespace.
	Config config.Config

	// Host executes task activations. nil means task.SleepHost.
	Host task.Host

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// LevelVar is exposed on /log/level. nil means a new LevelVar set to Config.LogLevel.
	LevelVar *slog.LevelVar

	// Registry receives the task manager metrics and is served on /metrics. nil means a new
	// registry with the Go and process collectors.
	Registry *prometheus.Registry

	// Tasks, when set, is applied by Start before the server starts listening.
	Tasks *config.Document
	// AutoStart starts every admitted task at the end of Start.
	AutoStart bool

	// ReadyLimits configures the /readyz checks.
	ReadyLimits ops.ReadyLimits

	// Signals controls whether Run listens for OS signals.
	Signals SignalSpec

	Hooks ServiceHooks
}

// SignalSpec controls signal handling in Run.
type SignalSpec struct {
	Disable bool
	// Signals defaults to SIGINT and SIGTERM (os.Interrupt on non-unix systems).
	Signals []os.Signal
}

// ServiceHooks integrate resources into the service lifecycle.
type ServiceHooks struct {
	// OnStart runs sequentially before tasks are applied. Any error fails Start.
	OnStart []func(context.Context) error

	// OnShutdown runs sequentially after the server stopped and the tasks were cleared.
	// Errors are aggregated.
	OnShutdown []func(context.Context) error

	// OnServeError is called when the server exits unexpectedly.
	OnServeError func(err error)
}

// Conservative server timeouts.
const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 60 * time.Second
)

// NewService assembles the manager, its metrics and the ops server. Nothing runs until Start.
func NewService(ctx context.Context, spec ServiceSpec) (*Service, error) {
	cfg := spec.Config
	addr := strings.TrimSpace(cfg.HTTPAddr)
	if addr == "" {
		return nil, errors.New("taskmgr: empty http address")
	}

	logger := spec.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lv := spec.LevelVar
	if lv == nil {
		lv = new(slog.LevelVar)
		lv.Set(cfg.LogLevel)
	}
	reg := spec.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := observability.NewMetricsExporter(cfg.MetricsNamespace, reg, observability.ExporterOptions{})
	if err != nil {
		return nil, fmt.Errorf("taskmgr: metrics: %w", err)
	}

	mopts := []manager.Option{
		manager.WithLogger(logger),
		manager.WithMetrics(exporter),
	}
	if spec.Host != nil {
		mopts = append(mopts, manager.WithHost(spec.Host))
	}
	m, err := manager.New(ctx, cfg.Manager, mopts...)
	if err != nil {
		return nil, err
	}

	if spec.Tasks != nil {
		if err := spec.Tasks.Validate(); err != nil {
			return nil, err
		}
	}

	s := &Service{
		Manager:         m,
		Metrics:         exporter,
		Registry:        reg,
		LogLevelVar:     lv,
		logger:          logger,
		hooks:           spec.Hooks,
		signals:         spec.Signals,
		shutdownTimeout: resolveDuration(cfg.ShutdownTimeout, 30*time.Second),
		tasks:           spec.Tasks,
		autoStart:       spec.AutoStart,
		shutdownCh:      make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	s.Server = &http.Server{
		Addr:              addr,
		Handler:           s.handler(cfg.HTTPToken, spec.ReadyLimits),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return s, nil
}

func (s *Service) handler(token string, lim ops.ReadyLimits) http.Handler {
	m := s.Manager
	mux := http.NewServeMux()
	mux.Handle("/healthz", ops.HealthzHandler())
	mux.Handle("/readyz", ops.ReadyzHandler(ops.ManagerReadyChecks(m, lim)))
	mux.Handle("/tasks", ops.TasksHandler(m))
	mux.Handle("/tasks/clear", ops.TasksClearHandler(m))
	mux.Handle("/lifecycle", ops.LifecycleHandler(m))
	mux.Handle("/report", ops.ReportHandler(m))
	mux.Handle("/binaries", ops.BinariesHandler(m))
	mux.Handle("/log/level", ops.LogLevelHandler(s.LogLevelVar, ops.WithLogLevelLogger(s.logger)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{}))

	return httpx.Chain(
		httpx.RequestID(),
		httpx.Recover(s.logger),
		httpx.AccessLog(s.logger),
		httpx.RequireToken(token),
	).Handler(mux)
}

// Addr returns the bound listen address, or "" before Start.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run is Start, then wait for ctx, a signal or a server failure, then Shutdown.
//
// It is NOT idempotent. If called after Start, it returns ErrAlreadyStarted.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCh, stopSignals := s.runSignalWatcher()
	defer stopSignals()

	if err := s.Start(ctx); err != nil {
		return err
	}

	select {
	case <-s.doneCh:
		return s.Wait()
	case <-ctx.Done():
		s.recordPrimary(ctx.Err())
		_ = s.Shutdown(context.Background())
		return s.Wait()
	case sig := <-sigCh:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		_ = s.Shutdown(context.Background())
		return s.Wait()
	}
}

// Start runs the OnStart hooks, applies the initial task document, starts the tasks when
// AutoStart is set and starts serving. It is NOT idempotent.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.startCtx, s.startStop = context.WithCancel(ctx)
	s.mu.Unlock()

	fail := func(err error) error {
		s.recordPrimary(err)
		s.initiateShutdown()
		return err
	}

	for i, h := range s.hooks.OnStart {
		if h == nil {
			continue
		}
		if err := s.callHook(s.startCtx, fmt.Sprintf("OnStart[%d]", i), h); err != nil {
			return fail(fmt.Errorf("taskmgr: OnStart[%d]: %w", i, err))
		}
	}

	if s.tasks != nil {
		if err := s.tasks.Apply(s.startCtx, s.Manager); err != nil {
			return fail(fmt.Errorf("taskmgr: initial tasks: %w", err))
		}
	}
	if s.autoStart {
		s.Manager.Start(s.startCtx)
	}

	ln, err := net.Listen("tcp", s.Server.Addr)
	if err != nil {
		return fail(fmt.Errorf("taskmgr: listen %q: %w", s.Server.Addr, err))
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("ops server listening", "addr", ln.Addr().String(), "manager", s.Manager.Name())

	go func() {
		s.onServeExit(s.Server.Serve(ln))
	}()
	return nil
}

// Wait waits until the service fully stops.
//
// It is idempotent. If Start was never called, it returns ErrNotStarted.
func (s *Service) Wait() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotStarted
	}
	ch := s.doneCh
	s.mu.Unlock()

	<-ch

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

// Shutdown stops the server, then clears the manager's tasks, then runs the OnShutdown
// hooks. It is idempotent; a second call waits again using the new ctx.
//
// If Start was never called, Shutdown returns nil.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	shutdownCh := s.shutdownCh
	s.mu.Unlock()

	s.initiateShutdown()

	select {
	case <-shutdownCh:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.shutdownErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) onServeExit(err error) {
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}
	s.logger.Error("ops server failed", "err", err)
	s.recordPrimary(fmt.Errorf("taskmgr: serve: %w", err))
	if s.hooks.OnServeError != nil {
		s.hooks.OnServeError(err)
	}
	s.initiateShutdown()
}

func (s *Service) recordPrimary(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.primaryErr == nil {
		s.primaryErr = err
	}
	s.mu.Unlock()
}

func (s *Service) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		go s.doShutdown()
	})
}

func (s *Service) doShutdown() {
	s.mu.Lock()
	stop := s.startStop
	s.stopping = true
	ln := s.listener
	s.mu.Unlock()
	if stop != nil {
		stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	// 1) server
	if ln != nil {
		if err := s.Server.Shutdown(ctx); err != nil {
			_ = s.Server.Close()
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		_ = ln.Close()
	}

	// 2) tasks
	if err := s.Manager.Clear(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tasks clear: %w", err))
	}

	// 3) OnShutdown hooks (sequential; best-effort run all)
	for i, h := range s.hooks.OnShutdown {
		if h == nil {
			continue
		}
		if err := s.callHook(ctx, fmt.Sprintf("OnShutdown[%d]", i), h); err != nil {
			errs = append(errs, fmt.Errorf("OnShutdown[%d]: %w", i, err))
		}
	}

	shutdownErr := errors.Join(errs...)
	if shutdownErr != nil {
		s.logger.Warn("shutdown finished with errors", "err", shutdownErr)
	} else {
		s.logger.Info("shutdown complete")
	}

	s.mu.Lock()
	s.shutdownErr = shutdownErr
	s.waitErr = errors.Join(s.primaryErr, shutdownErr)
	s.mu.Unlock()

	close(s.shutdownCh)
	close(s.doneCh)
}

func (s *Service) runSignalWatcher() (<-chan os.Signal, func()) {
	if s.signals.Disable {
		return nil, func() {}
	}
	sigs := s.signals.Signals
	if len(sigs) == 0 {
		sigs = defaultSignals()
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	return ch, func() { signal.Stop(ch) }
}

func resolveDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// callHook runs a lifecycle hook. A panic is logged with its stack and returned as an error.
func (s *Service) callHook(ctx context.Context, name string, fn func(context.Context) error) error {
	err := safego.RunErr(ctx, fn,
		safego.WithName(name),
		safego.WithLogger(s.logger),
		// Hook errors are returned and reported by the caller.
		safego.WithErrorHandler(func(context.Context, safego.ErrorInfo) {}),
	)
	var pe *safego.PanicError
	if errors.As(err, &pe) {
		return fmt.Errorf("panic: %v", pe.Value)
	}
	return err
}
