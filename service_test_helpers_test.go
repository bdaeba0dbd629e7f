package taskmgr

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/rt/task"
)

var noopHost = task.HostFunc(func(context.Context, task.Descriptor, []byte) error { return nil })

func testConfig() config.Config {
	return config.Config{
		Manager:          manager.DefaultConfig(),
		HTTPAddr:         "127.0.0.1:0",
		ShutdownTimeout:  2 * time.Second,
		LogLevel:         slog.LevelInfo,
		LogFormat:        config.LogFormatText,
		Tracing:          "none",
		MetricsNamespace: "taskmgr_test",
	}
}

func newTestService(t *testing.T, mutate func(*ServiceSpec)) *Service {
	t.Helper()
	spec := ServiceSpec{
		Config:  testConfig(),
		Host:    noopHost,
		Logger:  slog.New(slog.DiscardHandler),
		Signals: SignalSpec{Disable: true},
	}
	if mutate != nil {
		mutate(&spec)
	}
	s, err := NewService(context.Background(), spec)
	if err != nil {
		t.Fatalf("NewService err=%v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func waitForBoundAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for server listener to bind")
	return ""
}

func httpDo(t *testing.T, method, url, token string) (code int, body string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("NewRequest err=%v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	c := &http.Client{Timeout: 2 * time.Second}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %q err=%v", method, url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func mustTasks(t *testing.T, yml string) *config.Document {
	t.Helper()
	doc, err := config.ParseTasks(strings.NewReader(yml))
	if err != nil {
		t.Fatalf("ParseTasks err=%v", err)
	}
	return &doc
}

const oneTask = `
binaries:
  - {name: sensor, size: 1KiB}
tasks:
  - {id: 1, execution-time: 1, period: 20, binary: sensor}
`

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
