package ops

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/evan-idocoding/taskmgr/manager"
)

type healthConfig struct {
	format Format
}

// HealthOption configures HealthzHandler / ReadyzHandler.
type HealthOption func(*healthConfig)

// WithHealthDefaultFormat sets the default response format for health handlers.
//
// This default can be overridden per request by URL query (?format=json|text).
// Default is FormatText.
func WithHealthDefaultFormat(f Format) HealthOption {
	return func(c *healthConfig) { c.format = f }
}

func applyHealthOptions(opts []HealthOption) healthConfig {
	cfg := healthConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.format = normalizeFormat(cfg.format)
	return cfg
}

type healthResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthzHandler returns a liveness handler. It always responds 200 OK for GET/HEAD.
func HealthzHandler(opts ...HealthOption) http.Handler {
	cfg := applyHealthOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeResponse(w, r, format, http.StatusMethodNotAllowed, healthResponse{Error: "method not allowed"}, "method not allowed", nil)
			return
		}
		writeResponse(w, r, format, http.StatusOK, healthResponse{OK: true}, "", func() string { return "ok\n" })
	})
}

// ReadyCheckFunc returns nil when healthy. It must respect ctx cancellation.
type ReadyCheckFunc func(context.Context) error

// ReadyCheck is a named readiness check.
type ReadyCheck struct {
	Name    string
	Func    ReadyCheckFunc
	Timeout time.Duration // <= 0 means no extra timeout
}

// ReadyCheckResult is a single check execution result.
type ReadyCheckResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	// Duration is encoded as an integer number of nanoseconds in JSON.
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// ReadyzReport is a point-in-time readiness execution report.
type ReadyzReport struct {
	OK       bool               `json:"ok"`
	Duration time.Duration      `json:"duration"`
	Checks   []ReadyCheckResult `json:"checks,omitempty"`
}

// ReadyzHandler returns a readiness handler that runs checks sequentially.
//
// It responds 200 OK if all checks pass and 503 Service Unavailable otherwise.
// GET/HEAD only; other methods return 405.
func ReadyzHandler(checks []ReadyCheck, opts ...HealthOption) http.Handler {
	for i, c := range checks {
		if c.Name == "" {
			panic(fmt.Sprintf("ops: ready check[%d] has empty Name", i))
		}
		if c.Func == nil {
			panic(fmt.Sprintf("ops: ready check[%d] %q has nil Func", i, c.Name))
		}
	}
	cfg := applyHealthOptions(opts)
	snapshot := append([]ReadyCheck(nil), checks...)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeReady(w, r, format, http.StatusMethodNotAllowed, ReadyzReport{
				Checks: []ReadyCheckResult{{Name: "method", Error: "method not allowed"}},
			})
			return
		}
		rep := RunReadyzChecks(r.Context(), snapshot)
		code := http.StatusOK
		if !rep.OK {
			code = http.StatusServiceUnavailable
		}
		writeReady(w, r, format, code, rep)
	})
}

// ReadyLimits bounds the manager readiness checks. Zero fields disable their check.
type ReadyLimits struct {
	// MinFreeRAM fails readiness while fewer bytes than this remain in the RAM budget.
	MinFreeRAM uint64
	// MaxPendingEvents fails readiness while more events than this wait for a report.
	MaxPendingEvents int
}

// ManagerReadyChecks returns readiness checks over m's budgets.
func ManagerReadyChecks(m *manager.Manager, lim ReadyLimits) []ReadyCheck {
	if m == nil {
		panic("ops: nil manager")
	}
	var checks []ReadyCheck
	if lim.MinFreeRAM > 0 {
		checks = append(checks, ReadyCheck{Name: "ram", Func: func(context.Context) error {
			u := m.Usage()
			if free := u.RAMQuota - u.RAMUsed; free < lim.MinFreeRAM {
				return fmt.Errorf("%d bytes free, want %d", free, lim.MinFreeRAM)
			}
			return nil
		}})
	}
	if lim.MaxPendingEvents > 0 {
		checks = append(checks, ReadyCheck{Name: "events", Func: func(context.Context) error {
			if n := m.EventLog().Len(); n > lim.MaxPendingEvents {
				return fmt.Errorf("%d events pending, limit %d", n, lim.MaxPendingEvents)
			}
			return nil
		}})
	}
	return checks
}

// RunReadyzChecks executes checks sequentially and returns a report.
func RunReadyzChecks(ctx context.Context, checks []ReadyCheck) ReadyzReport {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	out := ReadyzReport{OK: true, Checks: make([]ReadyCheckResult, 0, len(checks))}
	for _, c := range checks {
		cr := runOneCheck(ctx, c)
		out.Checks = append(out.Checks, cr)
		if !cr.OK {
			out.OK = false
		}
	}
	out.Duration = time.Since(start)
	return out
}

func runOneCheck(parent context.Context, c ReadyCheck) (cr ReadyCheckResult) {
	cr.Name = c.Name

	start := time.Now()
	ctx := parent
	cancel := func() {}
	if c.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, c.Timeout)
	}
	defer cancel()

	defer func() {
		cr.Duration = time.Since(start)
		if p := recover(); p != nil {
			cr.OK = false
			cr.Error = fmt.Sprintf("panic: %v", p)
		}
		if ctx.Err() == context.DeadlineExceeded {
			cr.TimedOut = true
			cr.OK = false
			if cr.Error == "" {
				cr.Error = "timeout"
			}
		}
	}()

	if err := c.Func(ctx); err != nil {
		cr.Error = err.Error()
		return cr
	}
	cr.OK = true
	return cr
}

func writeReady(w http.ResponseWriter, r *http.Request, f Format, code int, rep ReadyzReport) {
	render := func() string {
		if rep.OK {
			return "ok\n"
		}
		var b strings.Builder
		for _, c := range rep.Checks {
			if c.OK {
				continue
			}
			b.WriteString("fail " + c.Name)
			if c.Error != "" {
				b.WriteString(": " + escapeTextField(c.Error))
			}
			b.WriteByte('\n')
		}
		return b.String()
	}
	if code == http.StatusServiceUnavailable && f == FormatText {
		// The failing checks are the useful part of a 503 body.
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(code)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(render()))
		}
		return
	}
	msg := ""
	if len(rep.Checks) > 0 {
		msg = rep.Checks[0].Error
	}
	writeResponse(w, r, f, code, rep, msg, render)
}
