package httpx

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireToken returns a middleware that rejects state-changing requests (anything but
// GET, HEAD and OPTIONS) without "Authorization: Bearer <token>". Rejections answer 401.
//
// An empty token returns nil, which Chain skips.
func RequireToken(token string) Middleware {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		if next == nil {
			panic("httpx: nil next handler")
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			got, ok := bearerToken(r)
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="taskmgr"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}
