package httpx

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Recover returns a middleware that recovers panics from downstream handlers, logs them
// at error level with the stack, and answers 500 if the response has not started.
//
// http.ErrAbortHandler is re-panicked to preserve net/http semantics.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if next == nil {
			panic("httpx: nil next handler")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := wrapWriter(w)
			defer func() {
				p := recover()
				if p == nil {
					return
				}
				if p == http.ErrAbortHandler {
					panic(p)
				}
				id, _ := RequestIDFromContext(r.Context())
				logger.Error("http handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", id,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				if !sw.started() {
					http.Error(sw, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
