// Package taskmgr runs a periodic real-time task manager behind an operator HTTP surface.
//
// The main entry point is NewService: it assembles a manager.Manager with its metrics, and an
// ops server exposing the manager's registry, lifecycle and report over HTTP.
//
//	cfg, _ := config.Load("taskmgr.yaml")
//	svc, err := taskmgr.NewService(ctx, taskmgr.ServiceSpec{Config: cfg})
//	if err != nil {
//		return err
//	}
//	return svc.Run(ctx)
//
// # Routes
//
//   - /healthz, /readyz: liveness and readiness (RAM headroom, pending events)
//   - /tasks: GET snapshot, POST a task document to admit
//   - /tasks/clear: POST, tear down every task
//   - /lifecycle: POST ?action=start|stop|pause|resume
//   - /report: GET the bounded XML report (drains the event log)
//   - /binaries: GET list, PUT ?name= to register an image
//   - /log/level: GET, POST ?level=
//   - /metrics: Prometheus exposition
//
// When Config.HTTPToken is set, every request other than GET/HEAD/OPTIONS requires it as a
// bearer token.
//
// # Lifecycle
//
// Service provides Start/Wait/Shutdown/Run:
//   - Start: OnStart hooks, initial task document, optional AutoStart, then listen (not idempotent)
//   - Wait: waits until the service fully stops (idempotent)
//   - Shutdown: stops the server, clears the tasks, runs OnShutdown hooks (idempotent)
//   - Run: Start, wait for ctx.Done, an OS signal or a serve failure, then Shutdown and Wait
//
// Default signals are SIGINT and SIGTERM on unix, os.Interrupt elsewhere.
package taskmgr
