// Command taskmgr runs and operates a periodic real-time task manager.
//
//	taskmgr serve --config taskmgr.yaml --tasks tasks.yaml --autostart
//	taskmgr report --tasks tasks.yaml --duration 2s
//	taskmgr validate tasks.yaml
//	taskmgr ctl --url http://127.0.0.1:8080 status
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/evan-idocoding/taskmgr/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
}

func newRootCommand() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:           "taskmgr",
		Short:         "Periodic real-time task manager",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Settings file (YAML)")
	root.PersistentFlags().String("log-level", "", "Log level (debug|info|warn|error)")
	root.PersistentFlags().String("log-format", "", "Log format (text|json)")
	_ = c.v.BindPFlag(config.KeyLogLevel, root.PersistentFlags().Lookup("log-level"))
	_ = c.v.BindPFlag(config.KeyLogFormat, root.PersistentFlags().Lookup("log-format"))

	root.AddCommand(newServeCommand(c))
	root.AddCommand(newReportCommand(c))
	root.AddCommand(newValidateCommand())
	root.AddCommand(newCtlCommand())
	return root
}

// load resolves the settings: defaults, then --config, then TASKMGR_* environment, then flags.
func (c *cli) load() (config.Config, error) {
	if c.configPath != "" {
		c.v.SetConfigFile(c.configPath)
		if err := c.v.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read %s: %w", c.configPath, err)
		}
	}
	return config.FromViper(c.v)
}
