package safego

import "log/slog"

type config struct {
	name   string
	attrs  []slog.Attr
	logger *slog.Logger

	finally []func()

	onError             ErrorHandler
	reportContextCancel bool

	onPanic     PanicHandler
	panicPolicy PanicPolicy
}

// Option configures a single Go/GoErr/Run/RunErr call.
type Option func(*config)

func defaultConfig() config {
	return config{
		panicPolicy:         RecoverAndReport,
		reportContextCancel: false,
	}
}

// WithName sets a human-friendly name for the goroutine or function.
func WithName(name string) Option {
	return func(c *config) { c.name = name }
}

// WithAttrs appends log attributes to reports (preserving order).
func WithAttrs(attrs ...slog.Attr) Option {
	return func(c *config) {
		if len(attrs) == 0 {
			return
		}
		c.attrs = append(c.attrs, attrs...)
	}
}

// WithLogger sets the logger used when no handler is configured. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithFinally registers a function to be called when execution finishes.
//
// Finalizers are executed in LIFO order (like defer). A panicking finalizer is recovered
// and reported; it is not rethrown.
func WithFinally(fn func()) Option {
	return func(c *config) {
		if fn == nil {
			return
		}
		c.finally = append(c.finally, fn)
	}
}

// WithErrorHandler sets the error handler. If not set, errors are logged at warn level.
// Panics in the handler are recovered and logged.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *config) { c.onError = h }
}

// WithReportContextCancel controls whether context cancellation errors are reported.
//
// By default, context.Canceled and context.DeadlineExceeded are NOT reported. They are
// still returned by RunErr.
func WithReportContextCancel(report bool) Option {
	return func(c *config) { c.reportContextCancel = report }
}

// WithPanicHandler sets the panic handler. If not set, panics are logged at error level
// (unless the policy is RecoverOnly). Panics in the handler are recovered and logged.
func WithPanicHandler(h PanicHandler) Option {
	return func(c *config) { c.onPanic = h }
}

// WithPanicPolicy sets the panic handling policy.
func WithPanicPolicy(p PanicPolicy) Option {
	return func(c *config) { c.panicPolicy = p }
}
