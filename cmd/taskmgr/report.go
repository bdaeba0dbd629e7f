package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/evan-idocoding/taskmgr/config"
	"github.com/evan-idocoding/taskmgr/manager"
	"github.com/evan-idocoding/taskmgr/observability"
	"github.com/evan-idocoding/taskmgr/report"
)

func newReportCommand(c *cli) *cobra.Command {
	var (
		tasksPath string
		duration  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Run a task document locally for a while and print the XML report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			doc, err := config.LoadTasks(tasksPath)
			if err != nil {
				return err
			}
			lv := new(slog.LevelVar)
			lv.Set(cfg.LogLevel)
			logger := observability.NewLogger(cfg.LogFormat, lv, cmd.ErrOrStderr())

			rep, err := runLocal(cmd.Context(), cfg.Manager, doc, duration, logger)
			if err != nil {
				return err
			}
			_, err = rep.WriteTo(cmd.OutOrStdout())
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&tasksPath, "tasks", "", "Task document to run (required)")
	f.DurationVar(&duration, "duration", time.Second, "How long to run the tasks before reporting")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

// runLocal admits doc into a fresh manager, runs it for d (or until ctx ends), stops it and
// returns the report.
func runLocal(ctx context.Context, cfg manager.Config, doc config.Document, d time.Duration, logger *slog.Logger) (_ report.Report, err error) {
	m, err := manager.New(ctx, cfg, manager.WithLogger(logger))
	if err != nil {
		return report.Report{}, err
	}
	defer func() {
		if cerr := m.Clear(context.WithoutCancel(ctx)); err == nil {
			err = cerr
		}
	}()

	if err := doc.Apply(ctx, m); err != nil {
		return report.Report{}, err
	}
	m.Start(ctx)

	t := time.NewTimer(d)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	m.Stop(context.WithoutCancel(ctx))
	return m.Report(context.WithoutCancel(ctx))
}
