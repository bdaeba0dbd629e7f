package ops

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func newLevel(l slog.Level) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(l)
	return lv
}

func TestLogLevel_Get(t *testing.T) {
	h := LogLevelHandler(newLevel(slog.LevelInfo))

	w := serve(h, http.MethodGet, "/log/level")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusOK)
	}
	if body := w.Body.String(); body != "log\tlevel\tinfo\nlog\tlevel_value\t0\n" {
		t.Fatalf("body=%q", body)
	}

	w = serve(h, http.MethodGet, "/log/level?format=json")
	var got logLevelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.OK || got.Log == nil || got.Log.Level != "info" || got.Old != nil {
		t.Fatalf("resp=%+v", got)
	}
}

func TestLogLevel_GetBucketsCustomLevels(t *testing.T) {
	w := serve(LogLevelHandler(newLevel(slog.Level(2)), WithLogLevelDefaultFormat(FormatJSON)), http.MethodGet, "/")
	var got logLevelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Log.Level != "info" || got.Log.LevelValue != 2 {
		t.Fatalf("log=%+v", *got.Log)
	}
}

func TestLogLevel_Head_NoBody(t *testing.T) {
	w := serve(LogLevelHandler(newLevel(slog.LevelInfo)), http.MethodHead, "/")
	if w.Code != http.StatusOK || w.Body.Len() != 0 {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestLogLevel_SetAliasesAndLogsChange(t *testing.T) {
	var logs bytes.Buffer
	lv := newLevel(slog.LevelInfo)
	h := LogLevelHandler(lv, WithLogLevelLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	for _, tc := range []struct {
		in   string
		want slog.Level
	}{
		{"WARNING", slog.LevelWarn},
		{"err", slog.LevelError},
		{" Debug ", slog.LevelDebug},
	} {
		w := serve(h, http.MethodPost, "/?level="+strings.ReplaceAll(tc.in, " ", "%20"))
		if w.Code != http.StatusOK {
			t.Fatalf("%q: status=%d body=%q", tc.in, w.Code, w.Body.String())
		}
		if lv.Level() != tc.want {
			t.Fatalf("%q: level=%v, want %v", tc.in, lv.Level(), tc.want)
		}
	}
	if !strings.Contains(logs.String(), "log level changed") {
		t.Fatalf("logs=%q", logs.String())
	}
}

func TestLogLevel_SetJSONReportsOldAndNew(t *testing.T) {
	w := serve(LogLevelHandler(newLevel(slog.LevelInfo)), http.MethodPost, "/?level=error&format=json")
	var got logLevelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Old == nil || got.Old.Level != "info" || got.Log == nil || got.Log.Level != "error" {
		t.Fatalf("resp=%+v", got)
	}
}

func TestLogLevel_SetInvalid_400(t *testing.T) {
	lv := newLevel(slog.LevelInfo)
	h := LogLevelHandler(lv)
	for _, target := range []string{"/", "/?level=", "/?level=loud"} {
		w := serve(h, http.MethodPost, target)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%s: status=%d, want=%d", target, w.Code, http.StatusBadRequest)
		}
		if !strings.HasPrefix(w.Body.String(), "invalid level") {
			t.Fatalf("%s: body=%q", target, w.Body.String())
		}
	}
	if lv.Level() != slog.LevelInfo {
		t.Fatalf("level changed to %v", lv.Level())
	}
}

func TestLogLevel_MethodNotAllowed(t *testing.T) {
	w := serve(LogLevelHandler(newLevel(slog.LevelInfo)), http.MethodDelete, "/")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, HEAD, POST" {
		t.Fatalf("Allow=%q", allow)
	}
}

func TestLogLevel_NilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_ = LogLevelHandler(nil)
}
