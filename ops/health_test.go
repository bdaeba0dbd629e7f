package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestHealthz_Formats(t *testing.T) {
	cases := []struct {
		name   string
		opts   []HealthOption
		target string
		wantCT string
	}{
		{"default text", nil, "/healthz", "text/plain"},
		{"option json", []HealthOption{WithHealthDefaultFormat(FormatJSON)}, "/healthz", "application/json"},
		{"query overrides option", []HealthOption{WithHealthDefaultFormat(FormatJSON)}, "/healthz?format=text", "text/plain"},
		{"query json", nil, "/healthz?format=json", "application/json"},
		{"invalid option falls back", []HealthOption{WithHealthDefaultFormat(Format(99))}, "/healthz", "text/plain"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := serve(HealthzHandler(tc.opts...), http.MethodGet, tc.target)
			if w.Code != http.StatusOK {
				t.Fatalf("status=%d, want=%d", w.Code, http.StatusOK)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, tc.wantCT) {
				t.Fatalf("Content-Type=%q, want %s", ct, tc.wantCT)
			}
			if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
				t.Fatalf("Cache-Control=%q, want no-store", cc)
			}
			if tc.wantCT == "text/plain" {
				if body := w.Body.String(); body != "ok\n" {
					t.Fatalf("body=%q, want %q", body, "ok\n")
				}
				return
			}
			var got healthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !got.OK {
				t.Fatalf("ok=false, want true")
			}
		})
	}
}

func TestHealthz_MethodNotAllowed(t *testing.T) {
	w := serve(HealthzHandler(), http.MethodPost, "/healthz")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusMethodNotAllowed)
	}
	if allow := w.Header().Get("Allow"); allow != "GET, HEAD" {
		t.Fatalf("Allow=%q", allow)
	}
}

func TestHealthz_Head_NoBody(t *testing.T) {
	w := serve(HealthzHandler(), http.MethodHead, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusOK)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("body=%q, want empty", w.Body.String())
	}
}

func TestReadyz_NoChecks_OK(t *testing.T) {
	w := serve(ReadyzHandler(nil), http.MethodGet, "/readyz")
	if w.Code != http.StatusOK || w.Body.String() != "ok\n" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestReadyz_Fail_503(t *testing.T) {
	checks := []ReadyCheck{
		{Name: "a", Func: func(context.Context) error { return nil }},
		{Name: "b", Func: func(context.Context) error { return errors.New("down") }},
	}
	h := ReadyzHandler(checks)

	w := serve(h, http.MethodGet, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusServiceUnavailable)
	}
	if body := w.Body.String(); body != "fail b: down\n" {
		t.Fatalf("body=%q", body)
	}

	w = serve(h, http.MethodGet, "/readyz?format=json")
	var rep ReadyzReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.OK || len(rep.Checks) != 2 || !rep.Checks[0].OK || rep.Checks[1].Error != "down" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestReadyz_CheckTimeout(t *testing.T) {
	checks := []ReadyCheck{{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}}
	rep := RunReadyzChecks(context.Background(), checks)
	if rep.OK || !rep.Checks[0].TimedOut {
		t.Fatalf("report=%+v, want timed out", rep)
	}
}

func TestReadyz_CheckPanicBecomesFailure(t *testing.T) {
	checks := []ReadyCheck{{Name: "p", Func: func(context.Context) error { panic("boom") }}}
	rep := RunReadyzChecks(context.Background(), checks)
	if rep.OK || !strings.Contains(rep.Checks[0].Error, "boom") {
		t.Fatalf("report=%+v", rep)
	}
}

func TestReadyz_MethodNotAllowed_JSONShapeConsistent(t *testing.T) {
	w := serve(ReadyzHandler(nil, WithHealthDefaultFormat(FormatJSON)), http.MethodPost, "/readyz")
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", w.Code)
	}
	var rep ReadyzReport
	if err := json.Unmarshal(w.Body.Bytes(), &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.OK || len(rep.Checks) != 1 || rep.Checks[0].Name != "method" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestReadyz_InvalidCheckPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	_ = ReadyzHandler([]ReadyCheck{{Name: "x"}})
}

func TestReadyz_CheckSliceIsSnapshotted(t *testing.T) {
	checks := []ReadyCheck{{Name: "ok", Func: func(context.Context) error { return nil }}}
	h := ReadyzHandler(checks)
	checks[0].Func = func(context.Context) error { return errors.New("mutated") }

	if w := serve(h, http.MethodGet, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusOK)
	}
}

func TestManagerReadyChecks(t *testing.T) {
	m := newTestManager(t, manager.Config{RAMQuota: 8 << 10, ReportSize: 4 << 10})

	if got := ManagerReadyChecks(m, ReadyLimits{}); len(got) != 0 {
		t.Fatalf("zero limits: %d checks, want 0", len(got))
	}

	h := ReadyzHandler(ManagerReadyChecks(m, ReadyLimits{MinFreeRAM: 2 << 10, MaxPendingEvents: 1}))
	if w := serve(h, http.MethodGet, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}

	if _, err := m.RegisterBinary("big", 3<<10); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Admit(context.Background(), []task.Descriptor{{ID: 1, Period: time.Second, Binary: "big"}}); err != nil {
		t.Fatalf("admit: %v", err)
	}
	m.Stop(context.Background())
	m.Stop(context.Background())

	w := serve(h, http.MethodGet, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want=%d", w.Code, http.StatusServiceUnavailable)
	}
	body := w.Body.String()
	if !strings.Contains(body, "fail ram:") || !strings.Contains(body, "fail events: 2 events pending") {
		t.Fatalf("body=%q", body)
	}
}
