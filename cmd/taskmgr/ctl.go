package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/evan-idocoding/taskmgr/client"
)

type ctlFlags struct {
	url     string
	token   string
	timeout time.Duration
}

func (f *ctlFlags) client() (*client.Client, error) {
	return client.New(f.url, client.WithToken(f.token), client.WithTimeout(f.timeout))
}

func newCtlCommand() *cobra.Command {
	f := &ctlFlags{}
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Operate a running task manager over its ops API",
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.url, "url", "http://127.0.0.1:8080", "Ops server base URL")
	pf.StringVar(&f.token, "token", os.Getenv("TASKMGR_HTTP_TOKEN"), "Bearer token for write requests")
	pf.DurationVar(&f.timeout, "timeout", 10*time.Second, "Request timeout")

	cmd.AddCommand(newCtlStatusCommand(f))
	for _, action := range []string{"start", "stop", "pause", "resume"} {
		cmd.AddCommand(newCtlLifecycleCommand(f, action))
	}
	cmd.AddCommand(newCtlReportCommand(f))
	cmd.AddCommand(newCtlDiscardEventsCommand(f))
	cmd.AddCommand(newCtlClearCommand(f))
	cmd.AddCommand(newCtlAdmitCommand(f))
	cmd.AddCommand(newCtlPutBinaryCommand(f))
	return cmd
}

func newCtlStatusCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show budgets and task states",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			snap, err := c.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			u := snap.Usage
			fmt.Fprintf(out, "manager %s: ram %d/%d bytes, %d binaries, %d pending events\n",
				snap.Name, u.RAMUsed, u.RAMQuota, u.Binaries, u.PendingEvents)

			tw := tablewriter.NewWriter(out)
			tw.SetHeader([]string{"ID", "BINARY", "STATE", "PERIOD", "ITERATIONS", "FAILURES", "MISSES"})
			tw.SetBorder(false)
			tw.SetAutoWrapText(false)
			tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			tw.SetAlignment(tablewriter.ALIGN_LEFT)
			for _, t := range snap.Tasks {
				tw.Append([]string{
					strconv.FormatInt(t.ID, 10),
					t.Binary,
					t.State,
					t.Period.String(),
					strconv.FormatUint(t.Iterations, 10),
					strconv.FormatUint(t.Failures, 10),
					strconv.FormatUint(t.DeadlineMisses, 10),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func newCtlLifecycleCommand(f *ctlFlags, action string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: strings.ToUpper(action[:1]) + action[1:] + " every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			states, err := c.Lifecycle(cmd.Context(), action)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(states))
			for s := range states {
				names = append(names, s)
			}
			sort.Strings(names)
			for _, s := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", s, states[s])
			}
			return nil
		},
	}
}

func newCtlReportCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Fetch the XML report (drains the event log)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			b, err := c.Report(cmd.Context())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func newCtlDiscardEventsCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discard-events",
		Short: "Drop pending events that no longer fit a report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			n, err := c.DiscardEvents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "discarded %d events\n", n)
			return nil
		},
	}
}

func newCtlClearCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Tear down every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := f.client()
			if err != nil {
				return err
			}
			n, err := c.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d tasks\n", n)
			return nil
		},
	}
}

func newCtlAdmitCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "admit FILE",
		Short: "Admit the tasks of a task document (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			n, err := c.Admit(cmd.Context(), b)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "admitted %d tasks\n", n)
			return nil
		},
	}
}

func newCtlPutBinaryCommand(f *ctlFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "put-binary NAME FILE",
		Short: "Register a binary image (- reads stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := readInput(cmd.InOrStdin(), args[1])
			if err != nil {
				return err
			}
			c, err := f.client()
			if err != nil {
				return err
			}
			created, err := c.PutBinary(cmd.Context(), args[0], image)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%d bytes)\n", args[0], len(image))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already registered\n", args[0])
			}
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}
