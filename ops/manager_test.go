package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/report"
	"github.com/evan-idocoding/taskmgr/rt/binary"
	"github.com/evan-idocoding/taskmgr/rt/eventlog"
	"github.com/evan-idocoding/taskmgr/rt/quota"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

var noopHost = task.HostFunc(func(context.Context, task.Descriptor, []byte) error { return nil })

func newTestManager(t *testing.T, cfg manager.Config) *manager.Manager {
	t.Helper()
	m, err := manager.New(context.Background(), cfg,
		manager.WithHost(noopHost),
		manager.WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Clear(context.Background()) })
	return m
}

func send(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, r))
	return w
}

const twoTasks = `
binaries:
  - {name: sensor, size: 64}
tasks:
  - {id: 1, period: 50, priority: 2, quota: 1KiB, binary: sensor}
  - {id: 2, period: 100, binary: sensor}
`

func TestTasksHandler_AdmitAndSnapshot(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	h := TasksHandler(m, WithManagerDefaultFormat(FormatJSON))

	w := send(h, http.MethodPost, "/tasks", twoTasks)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var admitted tasksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &admitted))
	require.True(t, admitted.OK)
	require.NotNil(t, admitted.Admitted)
	require.Equal(t, 2, *admitted.Admitted)

	w = send(h, http.MethodGet, "/tasks", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	var got tasksResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.NotNil(t, got.Snapshot)
	snap := got.Snapshot
	require.Equal(t, manager.DefaultName, snap.Name)
	require.Len(t, snap.Tasks, 2)
	require.Equal(t, int64(1), snap.Tasks[0].ID)
	require.Equal(t, "idle", snap.Tasks[0].State)
	require.Equal(t, 50*time.Millisecond, snap.Tasks[0].Period)
	require.EqualValues(t, 1024, snap.Tasks[0].Quota)
	require.Equal(t, 2, snap.Usage.Tasks)
	require.Equal(t, 1, snap.Usage.Binaries)
	require.EqualValues(t, manager.DefaultReportSize+64+1024, snap.Usage.RAMUsed)
}

func TestTasksHandler_SnapshotText(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	h := TasksHandler(m)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/tasks", twoTasks).Code)

	body := send(h, http.MethodGet, "/tasks", "").Body.String()
	for _, line := range []string{
		"manager\tname\ttask-manager\n",
		"usage\ttasks\t2\n",
		"task\t1\tstate\tidle\n",
		"task\t1\tperiod_ms\t50\n",
		"task\t2\tbinary\tsensor\n",
	} {
		require.Contains(t, body, line)
	}
	require.NotContains(t, body, "last_error")
}

func TestTasksHandler_AdmitErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		want int
	}{
		{"malformed", "tasks: [\n", http.StatusBadRequest},
		{"invalid descriptor", "tasks:\n  - {id: 1, period: 0, binary: sensor}\n", http.StatusBadRequest},
		{"unknown binary", "tasks:\n  - {id: 9, period: 10, binary: ghost}\n", http.StatusUnprocessableEntity},
		{"duplicate id", "tasks:\n  - {id: 1, period: 10, binary: sensor}\n", http.StatusConflict},
		{"size mismatch", "binaries:\n  - {name: sensor, size: 65}\n", http.StatusConflict},
		{"quota", "tasks:\n  - {id: 9, period: 10, quota: 1GiB, binary: sensor}\n", http.StatusInsufficientStorage},
		{"new binary then unknown", "binaries:\n  - {name: extra, size: 4KiB}\ntasks:\n  - {id: 9, period: 10, binary: ghost}\n", http.StatusUnprocessableEntity},
	}
	m := newTestManager(t, manager.Config{})
	h := TasksHandler(m)
	require.Equal(t, http.StatusOK, send(h, http.MethodPost, "/tasks", twoTasks).Code)
	usage := m.Usage()

	for _, tc := range cases {
		w := send(h, http.MethodPost, "/tasks", tc.body)
		require.Equal(t, tc.want, w.Code, "%s: %s", tc.name, w.Body.String())
		require.Equal(t, 2, m.Len(), tc.name)
		require.Equal(t, usage.RAMUsed, m.Usage().RAMUsed, tc.name)
		require.Equal(t, usage.Binaries, m.Usage().Binaries, tc.name)
	}
}

func TestTasksHandler_BodyLimit(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	h := TasksHandler(m, WithMaxBodyBytes(16))
	w := send(h, http.MethodPost, "/tasks", twoTasks)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	require.Zero(t, m.Len())
}

func TestTasksHandler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	w := send(TasksHandler(newTestManager(t, manager.Config{})), http.MethodDelete, "/tasks", "")
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	require.Equal(t, "GET, HEAD, POST", w.Header().Get("Allow"))
}

func TestTasksClearHandler(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	require.NoError(t, mustDoc(t, twoTasks).Apply(context.Background(), m))
	m.Start(context.Background())

	h := TasksClearHandler(m)
	require.Equal(t, http.StatusMethodNotAllowed, send(h, http.MethodGet, "/tasks/clear", "").Code)

	w := send(h, http.MethodPost, "/tasks/clear", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "tasks\tcleared\t2\n", w.Body.String())
	require.Zero(t, m.Len())
	require.Equal(t, []string{"sensor"}, m.BinaryNames())
}

func TestLifecycleHandler(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	require.NoError(t, mustDoc(t, twoTasks).Apply(context.Background(), m))
	h := LifecycleHandler(m)

	w := send(h, http.MethodPost, "/lifecycle?action=start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "lifecycle\taction\tstart\nstate\trunning\t2\n", w.Body.String())

	w = send(h, http.MethodPost, "/lifecycle?action=PAUSE&format=json", "")
	var resp lifecycleResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "pause", resp.Action)
	require.Equal(t, map[string]int{"paused": 2}, resp.States)

	w = send(h, http.MethodPost, "/lifecycle?action=resume", "")
	require.Contains(t, w.Body.String(), "state\trunning\t2\n")

	w = send(h, http.MethodPost, "/lifecycle?action=stop", "")
	require.Contains(t, w.Body.String(), "state\tstopped\t2\n")

	require.Equal(t, http.StatusBadRequest, send(h, http.MethodPost, "/lifecycle?action=explode", "").Code)
	require.Equal(t, http.StatusBadRequest, send(h, http.MethodPost, "/lifecycle", "").Code)
	require.Equal(t, http.StatusMethodNotAllowed, send(h, http.MethodGet, "/lifecycle?action=start", "").Code)
}

func TestReportHandler(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{})
	require.NoError(t, mustDoc(t, twoTasks).Apply(context.Background(), m))
	m.Stop(context.Background())

	w := send(ReportHandler(m), http.MethodGet, "/report", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/xml"))
	require.Equal(t, fmt.Sprint(w.Body.Len()), w.Header().Get("Content-Length"))

	var doc struct {
		XMLName xml.Name
		Descs   []struct {
			ID string `xml:"id,attr"`
		} `xml:"task-descriptions>task"`
		Events []struct {
			Type string `xml:"type,attr"`
		} `xml:"events>event"`
	}
	require.NoError(t, xml.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "profile", doc.XMLName.Local)
	require.Len(t, doc.Descs, 3)
	require.Len(t, doc.Events, 2, "stop and report snapshots")
	require.Zero(t, m.EventLog().Len())

	require.Equal(t, http.StatusMethodNotAllowed, send(ReportHandler(m), http.MethodPut, "/report", "").Code)
	require.Equal(t, http.StatusBadRequest, send(ReportHandler(m), http.MethodPost, "/report", "").Code)
	require.Equal(t, http.StatusBadRequest, send(ReportHandler(m), http.MethodPost, "/report?discard=0", "").Code)
}

func TestReportHandler_Overflow(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{ReportSize: 256})
	require.NoError(t, mustDoc(t, twoTasks).Apply(context.Background(), m))
	m.Stop(context.Background())

	w := send(ReportHandler(m, WithManagerDefaultFormat(FormatJSON)), http.MethodGet, "/report", "")
	require.Equal(t, http.StatusInsufficientStorage, w.Code)
	require.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/json"))
	var resp reportErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.Contains(t, resp.Error, "capacity 256 bytes")
	require.Equal(t, 1, m.EventLog().Len(), "events stay in the log")

	w = send(ReportHandler(m), http.MethodGet, "/report", "")
	require.Equal(t, http.StatusInsufficientStorage, w.Code)
	require.Equal(t, 1, m.EventLog().Len(), "a failed report adds no snapshot")
}

func TestReportHandler_DiscardRecoversFromOverflow(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{ReportSize: 2 << 10})
	require.NoError(t, mustDoc(t, twoTasks).Apply(context.Background(), m))
	for i := 0; i < 50; i++ {
		m.RecordTaskEvent(eventlog.EventTask, 1)
	}
	h := ReportHandler(m)

	require.Equal(t, http.StatusInsufficientStorage, send(h, http.MethodGet, "/report", "").Code)
	require.Equal(t, 50, m.EventLog().Len())

	w := send(h, http.MethodPost, "/report?discard=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, "report\tdiscarded\t50\n", w.Body.String())
	require.Zero(t, m.EventLog().Len())

	w = send(h, http.MethodGet, "/report", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Contains(t, w.Body.String(), `type="EXTERNAL"`)
}

func TestBinariesHandler(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, manager.Config{RAMQuota: 8 << 10, ReportSize: 1 << 10})
	h := BinariesHandler(m)

	w := send(h, http.MethodPut, "/binaries?name=blink", "abcd")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Equal(t, "binary\tblink\tsize\t4\nbinary\tblink\tcreated\ttrue\n", w.Body.String())
	im, ok := m.Binary("blink")
	require.True(t, ok)
	require.Equal(t, []byte("abcd"), im.Bytes())

	w = send(h, http.MethodPut, "/binaries?name=blink", "wxyz")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, []byte("abcd"), im.Bytes(), "existing image content is kept")

	require.Equal(t, http.StatusConflict, send(h, http.MethodPut, "/binaries?name=blink", "abc").Code)
	require.Equal(t, http.StatusBadRequest, send(h, http.MethodPut, "/binaries", "abc").Code)
	require.Equal(t, http.StatusBadRequest, send(h, http.MethodPut, "/binaries?name=%20", "abc").Code)
	used := m.Usage().RAMUsed
	require.Equal(t, http.StatusBadRequest, send(h, http.MethodPut, "/binaries?name=my%20bin", "abc").Code)
	require.Equal(t, used, m.Usage().RAMUsed, "an unusable name reserves nothing")

	big := string(bytes.Repeat([]byte{1}, 8<<10))
	require.Equal(t, http.StatusInsufficientStorage, send(h, http.MethodPut, "/binaries?name=big", big).Code)

	w = send(h, http.MethodGet, "/binaries?format=json", "")
	var list binariesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, []BinaryInfo{{Name: "blink", Size: 4}}, list.Binaries)

	require.Equal(t, http.StatusMethodNotAllowed, send(h, http.MethodDelete, "/binaries", "").Code)
}

func TestStatusForError(t *testing.T) {
	t.Parallel()

	wrap := func(err error) error { return fmt.Errorf("outer: %w", err) }
	cases := []struct {
		err  error
		want int
	}{
		{wrap(config.ErrMalformedInput), http.StatusBadRequest},
		{wrap(task.ErrInvalidDescriptor), http.StatusBadRequest},
		{wrap(binary.ErrInvalidName), http.StatusBadRequest},
		{wrap(manager.ErrDuplicateTaskID), http.StatusConflict},
		{wrap(binary.ErrSizeMismatch), http.StatusConflict},
		{wrap(manager.ErrUnknownBinary), http.StatusUnprocessableEntity},
		{wrap(quota.ErrExhausted), http.StatusInsufficientStorage},
		{wrap(report.ErrOverflow), http.StatusInsufficientStorage},
		{wrap(manager.ErrTeardownTimeout), http.StatusGatewayTimeout},
		{wrap(&http.MaxBytesError{Limit: 1}), http.StatusRequestEntityTooLarge},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}
}

func TestManagerHandlers_NilManagerPanics(t *testing.T) {
	t.Parallel()

	for name, fn := range map[string]func(){
		"tasks":     func() { TasksHandler(nil) },
		"clear":     func() { TasksClearHandler(nil) },
		"lifecycle": func() { LifecycleHandler(nil) },
		"report":    func() { ReportHandler(nil) },
		"binaries":  func() { BinariesHandler(nil) },
		"ready":     func() { ManagerReadyChecks(nil, ReadyLimits{}) },
	} {
		require.Panics(t, fn, name)
	}
}

func mustDoc(t *testing.T, s string) config.Document {
	t.Helper()
	doc, err := config.ParseTasksBytes([]byte(s))
	require.NoError(t, err)
	return doc
}
