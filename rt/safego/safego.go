package safego

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Go starts fn in a new goroutine, applying the configured panic handling.
func Go(ctx context.Context, fn func(context.Context), opts ...Option) {
	GoErr(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// GoErr starts fn in a new goroutine, applying the configured panic/error handling.
// The error returned by fn is reported, not returned.
func GoErr(ctx context.Context, fn func(context.Context) error, opts ...Option) {
	go func() { _ = RunErr(ctx, fn, opts...) }()
}

// Run executes fn synchronously, applying the configured panic handling.
func Run(ctx context.Context, fn func(context.Context), opts ...Option) {
	_ = RunErr(ctx, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// RunErr executes fn synchronously, applying the configured panic/error handling.
//
// It returns fn's error, or a *PanicError when fn panicked and the panic was recovered.
// Errors are reported as well as returned; context cancellation is only reported with
// WithReportContextCancel(true).
//
// If ctx is nil, it is treated as context.Background().
func RunErr(ctx context.Context, fn func(context.Context) error, opts ...Option) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	c := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}

	// Always run finalizers (LIFO), even when we repanic.
	defer runFinalizers(ctx, c)

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		info := PanicInfo{
			Name:  c.name,
			Attrs: cloneAttrs(c.attrs),
			Value: p,
			Stack: debug.Stack(),
		}
		err = &PanicError{Value: p, Stack: info.Stack}

		if c.panicPolicy == RecoverOnly {
			return
		}
		// Unknown policies recover and report.
		reportPanic(ctx, c, info)
		if c.panicPolicy == RepanicAfterReport {
			panic(p)
		}
	}()

	err = fn(ctx)
	if err == nil {
		return nil
	}
	if !c.reportContextCancel && isContextCancel(err) {
		return err
	}

	info := ErrorInfo{
		Name:  c.name,
		Attrs: cloneAttrs(c.attrs),
		Err:   err,
	}
	if c.onError != nil {
		callErrorHandlerNoPanic(ctx, c, info)
		return err
	}
	logError(ctx, c.log(), info)
	return err
}

func reportPanic(ctx context.Context, c config, info PanicInfo) {
	if c.onPanic != nil {
		callPanicHandlerNoPanic(ctx, c, info)
		return
	}
	logPanic(ctx, c.log(), info)
}

func runFinalizers(ctx context.Context, c config) {
	// LIFO, like defer.
	for i := len(c.finally) - 1; i >= 0; i-- {
		fn := c.finally[i]
		func() {
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				reportPanic(ctx, c, PanicInfo{
					Name:  c.name,
					Attrs: cloneAttrs(c.attrs),
					Value: fmt.Sprintf("safego: finalizer panicked: %v", p),
					Stack: debug.Stack(),
				})
			}()
			fn()
		}()
	}
}

func cloneAttrs(attrs []slog.Attr) []slog.Attr {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]slog.Attr, len(attrs))
	copy(out, attrs)
	return out
}

func isContextCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func callErrorHandlerNoPanic(ctx context.Context, c config, info ErrorInfo) {
	defer func() {
		if p := recover(); p != nil {
			logPanic(ctx, c.log(), PanicInfo{
				Name:  info.Name,
				Attrs: info.Attrs,
				Value: fmt.Sprintf("safego: error handler panicked: %v", p),
				Stack: debug.Stack(),
			})
		}
	}()
	c.onError(ctx, info)
}

func callPanicHandlerNoPanic(ctx context.Context, c config, info PanicInfo) {
	defer func() {
		if p := recover(); p != nil {
			logPanic(ctx, c.log(), PanicInfo{
				Name:  info.Name,
				Attrs: info.Attrs,
				Value: fmt.Sprintf("safego: panic handler panicked: %v", p),
				Stack: debug.Stack(),
			})
		}
	}()
	c.onPanic(ctx, info)
}
