// Package cli implements the offload command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/config"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/transport"
	"github.com/seantiz/offload/internal/worker"
)

type ctxKey string

const appKey ctxKey = "app"

// app carries what every subcommand needs once configuration is loaded.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

// Execute builds the root command and runs it.
func Execute() error {
	return NewRootCmd(os.Stdout, os.Stderr).Execute()
}

// NewRootCmd constructs the root command. Command output goes to out; logs go
// to logOut.
func NewRootCmd(out, logOut io.Writer) *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "offload",
		Short:         "Run functions in isolated worker contexts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			a := &app{cfg: cfg, logger: config.NewLogger(logOut, cfg.LogLevel)}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (yaml|toml|json)")

	cmd.AddCommand(newDemoCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newServeCmd())

	cmd.Run = func(cmd *cobra.Command, args []string) { _ = cmd.Help() }

	return cmd
}

func getApp(cmd *cobra.Command) *app {
	a, ok := cmd.Context().Value(appKey).(*app)
	if !ok {
		fmt.Fprintln(os.Stderr, "internal error: app not initialized")
		os.Exit(1)
	}
	return a
}

// handleOptions returns the worker options for a handle over the configured
// transport, hosting entry points from reg.
func (a *app) handleOptions(reg *entrypoint.Registry, launchers *transport.Registry) ([]worker.Option, error) {
	launcher, err := launchers.Resolve(a.cfg.Transport)
	if err != nil {
		return nil, err
	}
	opts := a.cfg.WorkerOptions()
	opts = append(opts,
		worker.WithRegistry(reg),
		worker.WithLauncher(a.cfg.Transport, launcher),
		worker.WithLogger(a.logger),
	)
	return opts, nil
}
