package ops_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/ops"
)

func ExampleHealthzHandler() {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ops.HealthzHandler().ServeHTTP(rr, req)

	fmt.Print(rr.Body.String())

	// Output:
	// ok
}

func ExampleLogLevelHandler() {
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelInfo)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/?level=warn", nil)
	ops.LogLevelHandler(lv, ops.WithLogLevelLogger(slog.New(slog.DiscardHandler))).ServeHTTP(rr, req)

	fmt.Print(rr.Body.String())

	// Output:
	// log	old_level	info
	// log	old_level_value	0
	// log	level	warn
	// log	level_value	4
}

func ExampleTasksHandler() {
	m, err := manager.New(context.Background(), manager.Config{},
		manager.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		panic(err)
	}
	h := ops.TasksHandler(m)

	doc := "binaries:\n  - {name: sensor, size: 64}\ntasks:\n  - {id: 1, period: 100, binary: sensor}\n"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(doc)))
	fmt.Print(rr.Body.String())

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	for _, line := range strings.Split(rr.Body.String(), "\n") {
		if strings.HasPrefix(line, "task\t1\tstate") || strings.HasPrefix(line, "task\t1\tbinary") {
			fmt.Println(line)
		}
	}

	// Output:
	// tasks	admitted	1
	// task	1	state	idle
	// task	1	binary	sensor
}
