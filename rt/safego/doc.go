// Package safego runs functions with panic and error reporting.
//
// Go/GoErr start a new goroutine. Run/RunErr execute synchronously and return what fn
// returned, or a *PanicError when fn panicked and the panic was recovered. Failures are
// handed to WithErrorHandler/WithPanicHandler when set and logged through slog otherwise.
//
// Nil context: if ctx is nil, safego treats it as context.Background().
//
// The task runtime executes every activation through RunErr:
//
//	err := safego.RunErr(ctx, exec,
//		safego.WithName("task activation"),
//		safego.WithAttrs(slog.Int64("task", id)),
//		safego.WithPanicHandler(onPanic),
//	)
//	var pe *safego.PanicError
//	if errors.As(err, &pe) {
//		// recovered
//	}
package safego
