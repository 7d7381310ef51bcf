// Command offload-guest is the agent that runs inside a guest (a microVM or a
// sandboxed host process). It listens on vsock, or on a unix socket with
// --unix, and serves every entry point compiled into the binary. Each
// connection is one isolated worker context.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o offload-guest ./cmd/offload-guest
package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/mdlayher/vsock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/seantiz/offload/internal/config"
	_ "github.com/seantiz/offload/internal/demo"
	"github.com/seantiz/offload/internal/entrypoint"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath string
		unix    bool
	)

	cmd := &cobra.Command{
		Use:           "offload-guest",
		Short:         "Serve offload entry points to a host",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			if cfgPath != "" {
				v.SetConfigFile(cfgPath)
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := config.NewLogger(os.Stderr, cfg.LogLevel)

			l, err := listen(cfg, unix)
			if err != nil {
				return err
			}
			defer l.Close()

			logger.Info("offload-guest listening",
				"addr", l.Addr().String(),
				"entrypoints", entrypoint.Default.Locators(),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent := entrypoint.NewAgent(l, entrypoint.Default, logger)
			if err := agent.Serve(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			logger.Info("offload-guest stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "", "path to config file (yaml|toml|json)")
	cmd.Flags().BoolVar(&unix, "unix", false, "listen on the configured unix socket instead of vsock")
	return cmd
}

// listen opens the agent's listener. A stale unix socket file is replaced.
func listen(cfg config.Config, unix bool) (net.Listener, error) {
	if !unix {
		l, err := vsock.Listen(cfg.GuestPort, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", cfg.GuestPort, err)
		}
		return l, nil
	}

	if err := os.Remove(cfg.GuestSocket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", cfg.GuestSocket)
	if err != nil {
		return nil, fmt.Errorf("unix listen on %s: %w", cfg.GuestSocket, err)
	}
	return l, nil
}
