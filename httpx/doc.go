// Package httpx holds the net/http middlewares of the ops server.
//
//	h := httpx.Chain(
//		httpx.Recover(logger),
//		httpx.RequestID(),
//		httpx.AccessLog(logger),
//		httpx.RequireToken(token),
//	).Handler(mux)
//
// Chain(a, b, c).Handler(h) returns a(b(c(h))); nil middlewares are skipped.
package httpx
