package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/report"
	"github.com/evan-idocoding/taskmgr/rt/binary"
	"github.com/evan-idocoding/taskmgr/rt/quota"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

// DefaultMaxBodyBytes bounds request bodies of the write handlers.
const DefaultMaxBodyBytes = 4 << 20

type managerOpsConfig struct {
	format  Format
	maxBody int64
}

// ManagerOption configures the manager handlers.
type ManagerOption func(*managerOpsConfig)

// WithManagerDefaultFormat sets the default response format (overridable by ?format=).
// Default is FormatText. The report itself is always XML.
func WithManagerDefaultFormat(f Format) ManagerOption {
	return func(c *managerOpsConfig) { c.format = f }
}

// WithMaxBodyBytes bounds request bodies (task documents, binary images). Larger bodies are
// rejected with 413. <= 0 selects DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) ManagerOption {
	return func(c *managerOpsConfig) { c.maxBody = n }
}

func applyManagerOptions(opts []ManagerOption) managerOpsConfig {
	cfg := managerOpsConfig{format: FormatText}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	cfg.format = normalizeFormat(cfg.format)
	if cfg.maxBody <= 0 {
		cfg.maxBody = DefaultMaxBodyBytes
	}
	return cfg
}

// TaskStatus is the JSON form of a task status. Durations are nanoseconds.
type TaskStatus struct {
	ID            int64         `json:"id"`
	Binary        string        `json:"binary"`
	State         string        `json:"state"`
	Active        bool          `json:"active"`
	Priority      int           `json:"priority"`
	Period        time.Duration `json:"period"`
	Offset        time.Duration `json:"offset"`
	ExecutionTime time.Duration `json:"execution_time"`
	CriticalTime  time.Duration `json:"critical_time"`
	Quota         uint64        `json:"quota"`

	Iterations     uint64        `json:"iterations"`
	Failures       uint64        `json:"failures"`
	DeadlineMisses uint64        `json:"deadline_misses"`
	ExecTime       time.Duration `json:"exec_time"`
	LastError      string        `json:"last_error,omitempty"`
}

// Usage is the JSON form of manager.Usage.
type Usage struct {
	RAMQuota      uint64 `json:"ram_quota"`
	RAMUsed       uint64 `json:"ram_used"`
	ReportSize    uint64 `json:"report_size"`
	Tasks         int    `json:"tasks"`
	Binaries      int    `json:"binaries"`
	PendingEvents int    `json:"pending_events"`
	TraceLimit    int    `json:"trace_limit"`
	TraceDropped  uint64 `json:"trace_dropped"`
}

// Snapshot is the task-registry view served by TasksHandler.
type Snapshot struct {
	Name  string       `json:"name"`
	Usage Usage        `json:"usage"`
	Tasks []TaskStatus `json:"tasks"`
}

// ManagerSnapshot builds a Snapshot of m.
func ManagerSnapshot(m *manager.Manager) Snapshot {
	if m == nil {
		return Snapshot{}
	}
	u := m.Usage()
	sts := m.Statuses()
	out := Snapshot{
		Name: m.Name(),
		Usage: Usage{
			RAMQuota:      u.RAMQuota,
			RAMUsed:       u.RAMUsed,
			ReportSize:    u.ReportSize,
			Tasks:         u.Tasks,
			Binaries:      u.Binaries,
			PendingEvents: u.PendingEvents,
			TraceLimit:    u.TraceLimit,
			TraceDropped:  u.TraceDropped,
		},
		Tasks: make([]TaskStatus, 0, len(sts)),
	}
	for _, st := range sts {
		out.Tasks = append(out.Tasks, taskStatusFrom(st))
	}
	return out
}

func taskStatusFrom(st task.Status) TaskStatus {
	d := st.Descriptor
	return TaskStatus{
		ID:             d.ID,
		Binary:         d.Binary,
		State:          st.State.String(),
		Active:         st.Active,
		Priority:       d.Priority,
		Period:         d.Period,
		Offset:         d.Offset,
		ExecutionTime:  d.ExecutionTime,
		CriticalTime:   d.CriticalTime,
		Quota:          d.Quota,
		Iterations:     st.Iterations,
		Failures:       st.Failures,
		DeadlineMisses: st.DeadlineMisses,
		ExecTime:       st.ExecutionTime,
		LastError:      st.LastError,
	}
}

type tasksResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Admitted *int      `json:"admitted,omitempty"`
	Cleared  *int      `json:"cleared,omitempty"`
}

// TasksHandler serves the task registry.
//
//   - GET/HEAD returns the usage and the status of every task in registration order.
//   - POST admits the YAML task document in the body: its binaries are registered, then its
//     tasks are admitted all-or-nothing. A rejected document leaves no new binaries behind.
//
// Admission failures map to 400 (malformed document or invalid descriptor), 409 (duplicate id
// or binary size mismatch), 422 (unknown binary) and 507 (RAM budget exhausted).
func TasksHandler(m *manager.Manager, opts ...ManagerOption) http.Handler {
	if m == nil {
		panic("ops: nil manager")
	}
	cfg := applyManagerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			snap := ManagerSnapshot(m)
			writeTasks(w, r, format, http.StatusOK, tasksResponse{OK: true, Snapshot: &snap})
		case http.MethodPost:
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.maxBody))
			if err != nil {
				writeTasks(w, r, format, statusForError(err), tasksResponse{Error: err.Error()})
				return
			}
			doc, err := config.ParseTasksBytes(body)
			if err == nil {
				err = doc.Apply(r.Context(), m)
			}
			if err != nil {
				writeTasks(w, r, format, statusForError(err), tasksResponse{Error: err.Error()})
				return
			}
			n := len(doc.Tasks)
			writeTasks(w, r, format, http.StatusOK, tasksResponse{OK: true, Admitted: &n})
		default:
			w.Header().Set("Allow", "GET, HEAD, POST")
			writeTasks(w, r, format, http.StatusMethodNotAllowed, tasksResponse{Error: "method not allowed"})
		}
	})
}

// TasksClearHandler returns a POST handler that stops and discards every task (binaries are
// kept). Tasks that do not settle within the teardown timeout are reported with 504; they
// are discarded regardless.
func TasksClearHandler(m *manager.Manager, opts ...ManagerOption) http.Handler {
	if m == nil {
		panic("ops: nil manager")
	}
	cfg := applyManagerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeTasks(w, r, format, http.StatusMethodNotAllowed, tasksResponse{Error: "method not allowed"})
			return
		}
		n := m.Len()
		// Teardown gets its full timeout even if the client goes away.
		if err := m.Clear(context.WithoutCancel(r.Context())); err != nil {
			writeTasks(w, r, format, statusForError(err), tasksResponse{Error: err.Error()})
			return
		}
		writeTasks(w, r, format, http.StatusOK, tasksResponse{OK: true, Cleared: &n})
	})
}

type lifecycleResponse struct {
	OK     bool           `json:"ok"`
	Error  string         `json:"error,omitempty"`
	Action string         `json:"action,omitempty"`
	States map[string]int `json:"states,omitempty"`
}

// LifecycleHandler returns a POST handler that applies ?action=start|stop|pause|resume to
// every task and reports how many tasks are in each state afterwards.
func LifecycleHandler(m *manager.Manager, opts ...ManagerOption) http.Handler {
	if m == nil {
		panic("ops: nil manager")
	}
	cfg := applyManagerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeLifecycle(w, r, format, http.StatusMethodNotAllowed, lifecycleResponse{Error: "method not allowed"})
			return
		}
		action, _ := getQueryRequired(r, "action")
		action = strings.ToLower(strings.TrimSpace(action))
		ctx := r.Context()
		switch action {
		case "start":
			m.Start(ctx)
		case "stop":
			m.Stop(ctx)
		case "pause":
			m.Pause(ctx)
		case "resume":
			m.Resume(ctx)
		default:
			writeLifecycle(w, r, format, http.StatusBadRequest, lifecycleResponse{
				Error: "invalid action (want one of: start, stop, pause, resume)",
			})
			return
		}
		states := make(map[string]int)
		for _, st := range m.Statuses() {
			states[st.State.String()]++
		}
		writeLifecycle(w, r, format, http.StatusOK, lifecycleResponse{OK: true, Action: action, States: states})
	})
}

type reportErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Discarded *int `json:"discarded,omitempty"`
}

// ReportHandler serves the XML report.
//
// GET drains the event log into the report; the response body is the report document. If the
// document does not fit the report buffer the handler responds 507 and the log is left as it
// was. POST ?discard=1 drops every pending event without reporting it, which is the way out of
// a backlog too large for the buffer. Error bodies and the discard response follow the
// configured format.
func ReportHandler(m *manager.Manager, opts ...ManagerOption) http.Handler {
	if m == nil {
		panic("ops: nil manager")
	}
	cfg := applyManagerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			if v, ok := getQueryRequired(r, "discard"); !ok || !isTrue(v) {
				writeResponse(w, r, format, http.StatusBadRequest,
					reportErrorResponse{Error: "missing discard=1"}, "missing discard=1", nil)
				return
			}
			n := m.DiscardEvents(r.Context())
			writeResponse(w, r, format, http.StatusOK, reportErrorResponse{OK: true, Discarded: &n}, "", func() string {
				var b strings.Builder
				textLine(&b, "report", "discarded", strconv.Itoa(n))
				return b.String()
			})
			return
		default:
			w.Header().Set("Allow", "GET, POST")
			writeResponse(w, r, format, http.StatusMethodNotAllowed,
				reportErrorResponse{Error: "method not allowed"}, "method not allowed", nil)
			return
		}
		rep, err := m.Report(r.Context())
		if err != nil {
			writeResponse(w, r, format, statusForError(err), reportErrorResponse{Error: err.Error()}, err.Error(), nil)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/xml; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(rep.Len()))
		w.WriteHeader(http.StatusOK)
		_, _ = rep.WriteTo(w)
	})
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// BinaryInfo describes a registered binary.
type BinaryInfo struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

type binariesResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Binaries []BinaryInfo `json:"binaries,omitempty"`
	Binary   *BinaryInfo  `json:"binary,omitempty"`
	Created  bool         `json:"created,omitempty"`
}

// BinariesHandler serves the binary registry.
//
//   - GET/HEAD lists registered binaries, sorted by name.
//   - PUT ?name=<n> registers a binary whose size is the body length and whose content is
//     the body. Re-registering a name with the same size keeps the existing image and its
//     content (200); a new image answers 201. A different size answers 409 and an exhausted
//     RAM budget 507.
func BinariesHandler(m *manager.Manager, opts ...ManagerOption) http.Handler {
	if m == nil {
		panic("ops: nil manager")
	}
	cfg := applyManagerOptions(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil {
			panic("ops: nil request")
		}
		format := formatFromRequest(r, cfg.format)
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			names := m.BinaryNames()
			list := make([]BinaryInfo, 0, len(names))
			for _, n := range names {
				if im, ok := m.Binary(n); ok {
					list = append(list, BinaryInfo{Name: n, Size: im.Size()})
				}
			}
			writeBinaries(w, r, format, http.StatusOK, binariesResponse{OK: true, Binaries: list})
		case http.MethodPut:
			name, ok := getQueryRequired(r, "name")
			if !ok {
				writeBinaries(w, r, format, http.StatusBadRequest, binariesResponse{Error: "missing name"})
				return
			}
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, cfg.maxBody))
			if err != nil {
				writeBinaries(w, r, format, statusForError(err), binariesResponse{Error: err.Error()})
				return
			}
			_, existed := m.Binary(name)
			im, err := m.RegisterBinary(name, len(data))
			if err != nil {
				writeBinaries(w, r, format, statusForError(err), binariesResponse{Error: err.Error()})
				return
			}
			code := http.StatusOK
			if !existed {
				// Tasks may already read an existing image; only fresh images are filled.
				copy(im.Bytes(), data)
				code = http.StatusCreated
			}
			writeBinaries(w, r, format, code, binariesResponse{
				OK:      true,
				Binary:  &BinaryInfo{Name: im.Name(), Size: im.Size()},
				Created: !existed,
			})
		default:
			w.Header().Set("Allow", "GET, HEAD, PUT")
			writeBinaries(w, r, format, http.StatusMethodNotAllowed, binariesResponse{Error: "method not allowed"})
		}
	})
}

func statusForError(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, config.ErrMalformedInput),
		errors.Is(err, task.ErrInvalidDescriptor),
		errors.Is(err, binary.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrDuplicateTaskID),
		errors.Is(err, binary.ErrSizeMismatch):
		return http.StatusConflict
	case errors.Is(err, manager.ErrUnknownBinary):
		return http.StatusUnprocessableEntity
	case errors.Is(err, quota.ErrExhausted),
		errors.Is(err, report.ErrOverflow):
		return http.StatusInsufficientStorage
	case errors.Is(err, manager.ErrTeardownTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeTasks(w http.ResponseWriter, r *http.Request, f Format, code int, resp tasksResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var b strings.Builder
		if resp.Snapshot != nil {
			renderSnapshotText(&b, *resp.Snapshot)
		}
		if resp.Admitted != nil {
			textLine(&b, "tasks", "admitted", strconv.Itoa(*resp.Admitted))
		}
		if resp.Cleared != nil {
			textLine(&b, "tasks", "cleared", strconv.Itoa(*resp.Cleared))
		}
		return b.String()
	})
}

func renderSnapshotText(b *strings.Builder, s Snapshot) {
	// Stable and greppable: <section>\t<key>\t<value>\n, tasks as task\t<id>\t<key>\t<value>\n
	u := s.Usage
	textLine(b, "manager", "name", s.Name)
	textLine(b, "usage", "ram_quota", strconv.FormatUint(u.RAMQuota, 10))
	textLine(b, "usage", "ram_used", strconv.FormatUint(u.RAMUsed, 10))
	textLine(b, "usage", "report_size", strconv.FormatUint(u.ReportSize, 10))
	textLine(b, "usage", "tasks", strconv.Itoa(u.Tasks))
	textLine(b, "usage", "binaries", strconv.Itoa(u.Binaries))
	textLine(b, "usage", "pending_events", strconv.Itoa(u.PendingEvents))
	textLine(b, "usage", "trace_limit", strconv.Itoa(u.TraceLimit))
	textLine(b, "usage", "trace_dropped", strconv.FormatUint(u.TraceDropped, 10))
	for _, t := range s.Tasks {
		id := strconv.FormatInt(t.ID, 10)
		textLine(b, "task", id, "state", t.State)
		textLine(b, "task", id, "binary", t.Binary)
		textLine(b, "task", id, "priority", strconv.Itoa(t.Priority))
		textLine(b, "task", id, "period_ms", formatMillis(t.Period))
		textLine(b, "task", id, "quota", strconv.FormatUint(t.Quota, 10))
		textLine(b, "task", id, "iterations", strconv.FormatUint(t.Iterations, 10))
		textLine(b, "task", id, "failures", strconv.FormatUint(t.Failures, 10))
		textLine(b, "task", id, "deadline_misses", strconv.FormatUint(t.DeadlineMisses, 10))
		textLine(b, "task", id, "exec_time_ms", formatMillis(t.ExecTime))
		if t.LastError != "" {
			textLine(b, "task", id, "last_error", t.LastError)
		}
	}
}

func writeLifecycle(w http.ResponseWriter, r *http.Request, f Format, code int, resp lifecycleResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var b strings.Builder
		textLine(&b, "lifecycle", "action", resp.Action)
		states := make([]string, 0, len(resp.States))
		for s := range resp.States {
			states = append(states, s)
		}
		sort.Strings(states)
		for _, s := range states {
			textLine(&b, "state", s, strconv.Itoa(resp.States[s]))
		}
		return b.String()
	})
}

func writeBinaries(w http.ResponseWriter, r *http.Request, f Format, code int, resp binariesResponse) {
	writeResponse(w, r, f, code, resp, resp.Error, func() string {
		var b strings.Builder
		if resp.Binary != nil {
			textLine(&b, "binary", resp.Binary.Name, "size", strconv.Itoa(resp.Binary.Size))
			textLine(&b, "binary", resp.Binary.Name, "created", strconv.FormatBool(resp.Created))
			return b.String()
		}
		for _, bi := range resp.Binaries {
			textLine(&b, "binary", bi.Name, "size", strconv.Itoa(bi.Size))
		}
		return b.String()
	})
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
}
