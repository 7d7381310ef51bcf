package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/offload/internal/api"
	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/store"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp(cmd)
			a.logger.Info("offload: starting",
				"listen_addr", a.cfg.ListenAddr,
				"db_path", a.cfg.DBPath,
				"transport", a.cfg.Transport,
			)

			db, err := store.NewSQLiteStore(a.cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			launchers := engine.NewLaunchers(a.cfg, entrypoint.Default, a.logger)
			mgr := engine.NewManager(db, launchers, entrypoint.Default, a.cfg.Transport, a.logger, a.cfg.WorkerOptions()...)
			defer mgr.Shutdown()

			srv := api.NewServer(a.cfg.ListenAddr, mgr, a.logger)
			return srv.Run(cmd.Context())
		},
	}
}
