package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/evan-idocoding/taskmgr"
	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/observability"
	"github.com/evan-idocoding/taskmgr/ops"
)

func newServeCommand(c *cli) *cobra.Command {
	var (
		tasksPath string
		autoStart bool
		minFree   string
		maxEvents int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the task manager and its ops HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}

			lv := new(slog.LevelVar)
			lv.Set(cfg.LogLevel)
			logger := observability.NewLogger(cfg.LogFormat, lv, os.Stderr)
			slog.SetDefault(logger)

			shutdownTracing, err := observability.InitTracing(cfg.Manager.Name, observability.TracingOptions{Exporter: cfg.Tracing})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(ctx)
			}()

			spec := taskmgr.ServiceSpec{
				Config:    cfg,
				Logger:    logger,
				LevelVar:  lv,
				AutoStart: autoStart,
				ReadyLimits: ops.ReadyLimits{
					MaxPendingEvents: maxEvents,
				},
				// the command context already carries SIGINT/SIGTERM
				Signals: taskmgr.SignalSpec{Disable: true},
			}
			if minFree != "" {
				n, err := config.ParseSize(minFree)
				if err != nil {
					return err
				}
				spec.ReadyLimits.MinFreeRAM = n
			}
			if tasksPath != "" {
				doc, err := config.LoadTasks(tasksPath)
				if err != nil {
					return err
				}
				spec.Tasks = &doc
			}

			svc, err := taskmgr.NewService(cmd.Context(), spec)
			if err != nil {
				return err
			}
			if err := svc.Run(cmd.Context()); errors.Is(err, context.Canceled) {
				// interrupted: only shutdown failures matter
				return svc.Shutdown(context.Background())
			} else if err != nil {
				return err
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "Listen address (overrides http.addr)")
	_ = c.v.BindPFlag(config.KeyHTTPAddr, f.Lookup("addr"))
	f.StringVar(&tasksPath, "tasks", "", "Task document to admit at startup")
	f.BoolVar(&autoStart, "autostart", false, "Start admitted tasks immediately")
	f.StringVar(&minFree, "ready-min-free-ram", "", "Report not ready below this much free RAM budget")
	f.IntVar(&maxEvents, "ready-max-pending-events", 0, "Report not ready above this many pending events")
	return cmd
}
