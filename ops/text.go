package ops

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Format controls the response rendering format.
//
// This is shared across ops handlers that support multiple output formats.
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func normalizeFormat(f Format) Format {
	if f != FormatText && f != FormatJSON {
		return FormatText
	}
	return f
}

func formatFromRequest(r *http.Request, def Format) Format {
	if r == nil || r.URL == nil {
		return def
	}
	switch r.URL.Query().Get("format") {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return def
	}
}

// writeResponse writes resp as JSON, or as the text produced by render. Text bodies of failed
// responses are the error message alone.
func writeResponse(w http.ResponseWriter, r *http.Request, f Format, code int, resp any, errMsg string, render func() string) {
	w.Header().Set("Cache-Control", "no-store")
	switch f {
	case FormatJSON:
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		if r.Method == http.MethodHead {
			return
		}
		if code >= 300 || render == nil {
			writeTextError(w, errMsg)
			return
		}
		_, _ = w.Write([]byte(render()))
	}
}

func writeTextError(w http.ResponseWriter, msg string) {
	if msg != "" {
		_, _ = w.Write([]byte(msg + "\n"))
		return
	}
	_, _ = w.Write([]byte("error\n"))
}

// textLine appends one "<section>\t<key>\t<value>\n" line.
func textLine(b *strings.Builder, fields ...string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('\t')
		}
		b.WriteString(escapeTextField(f))
	}
	b.WriteByte('\n')
}

func escapeTextField(s string) string {
	// Text outputs are line-based and tab-separated; control characters are escaped:
	//   '\' => '\\', '\t' => '\t', '\r' => '\r', '\n' => '\n',
	//   other ASCII control chars (0x00-0x1f) => \u00XX
	if s == "" {
		return s
	}
	need := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c < 0x20 {
			need = true
			break
		}
	}
	if !need {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		case '\n':
			b.WriteString(`\n`)
		default:
			if c < 0x20 {
				const hex = "0123456789abcdef"
				b.WriteString(`\u00`)
				b.WriteByte(hex[c>>4])
				b.WriteByte(hex[c&0x0f])
			} else {
				b.WriteByte(c)
			}
		}
	}
	return b.String()
}

// getQueryRequired returns the first value of a query parameter. Missing and empty values
// both report false.
func getQueryRequired(r *http.Request, name string) (string, bool) {
	if r == nil || r.URL == nil {
		return "", false
	}
	vs := r.URL.Query()[name]
	if len(vs) == 0 || vs[0] == "" {
		return "", false
	}
	return vs[0], true
}
