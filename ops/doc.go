// Package ops provides net/http handlers for operating a task manager.
//
// ops is designed to be mounted into your own routing tree. It does not choose routing paths,
// does not make authn/authz decisions and does not start servers.
//
// # Formats
//
// Handlers render text by default. The default can be configured by options, and can be
// overridden per request by URL query:
//   - ?format=text
//   - ?format=json
//
// Text output is line-based, tab-separated and greppable. The report handler always serves
// the XML report document; only its error bodies follow the format.
//
// # What ops provides
//
//   - health: HealthzHandler (liveness), ReadyzHandler with ManagerReadyChecks
//   - tasks: TasksHandler (snapshot, admit YAML document), TasksClearHandler
//   - lifecycle: LifecycleHandler (start, stop, pause, resume)
//   - report: ReportHandler (drains the event log into the bounded XML report)
//   - binaries: BinariesHandler (list, register with content)
//   - logging: LogLevelHandler (slog.LevelVar)
//
// # Security notes
//
// The write handlers change the running task set. Mount them behind your own authentication
// middleware.
package ops
