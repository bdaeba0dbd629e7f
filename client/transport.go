package client

import (
	"errors"
	"io"
	"math"
	"net/http"
)

// ErrBodyTooLarge is returned when a response body exceeds the client's limit.
var ErrBodyTooLarge = errors.New("client: response body too large")

// Middleware wraps an http.RoundTripper. The returned RoundTripper must be safe for
// concurrent use.
type Middleware func(http.RoundTripper) http.RoundTripper

// RoundTripperFunc adapts a function to an http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements http.RoundTripper.
func (f RoundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Chain applies middlewares to base: Chain(base, a, b) returns a(b(base)). A nil base is
// replaced by a clone of http.DefaultTransport.
func Chain(base http.RoundTripper, mws ...Middleware) http.RoundTripper {
	if base == nil {
		base = cloneDefaultTransport()
	}
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			base = mws[i](base)
		}
	}
	return base
}

func cloneDefaultTransport() http.RoundTripper {
	if t, ok := http.DefaultTransport.(*http.Transport); ok && t != nil {
		return t.Clone()
	}
	return http.DefaultTransport
}

// SetHeader returns a middleware that sets a header on every request. An empty key yields
// nil, which Chain skips.
func SetHeader(key, value string) Middleware {
	if key == "" {
		return nil
	}
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			r2 := r.Clone(r.Context())
			r2.Header.Set(key, value)
			return next.RoundTrip(r2)
		})
	}
}

// BearerToken returns a middleware that authorizes every request with token. An empty
// token yields nil.
func BearerToken(token string) Middleware {
	if token == "" {
		return nil
	}
	return SetHeader("Authorization", "Bearer "+token)
}

// readAllAndCloseLimit reads at most limit bytes from body and always closes it.
func readAllAndCloseLimit(body io.ReadCloser, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	defer func() { _ = body.Close() }()
	if limit < 0 {
		limit = 0
	}
	n := limit
	if limit < math.MaxInt64 {
		n = limit + 1
	}
	b, err := io.ReadAll(&io.LimitedReader{R: body, N: n})
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}
