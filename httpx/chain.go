package httpx

import "net/http"

// Middleware is a standard net/http middleware.
type Middleware func(http.Handler) http.Handler

// Middlewares is a middleware chain builder.
type Middlewares []Middleware

// Chain creates a middleware chain. Nil middlewares are ignored.
func Chain(mws ...Middleware) Middlewares {
	return appendNonNil(nil, mws)
}

// With returns a new chain with more appended. It never mutates the receiver.
func (mws Middlewares) With(more ...Middleware) Middlewares {
	out := appendNonNil(make([]Middleware, 0, len(mws)+len(more)), mws)
	return appendNonNil(out, more)
}

// Handler wraps h with the chain. It panics if h is nil.
func (mws Middlewares) Handler(h http.Handler) http.Handler {
	if h == nil {
		panic("httpx: nil endpoint handler")
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func appendNonNil(dst, src []Middleware) []Middleware {
	for _, mw := range src {
		if mw != nil {
			dst = append(dst, mw)
		}
	}
	return dst
}

// statusWriter records the response status and size.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

func (w *statusWriter) started() bool { return w.status != 0 }

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Flush implements http.Flusher if the underlying writer does.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		f.Flush()
	}
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}
