package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/offload/internal/demo"
	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
)

func newDemoCmd() *cobra.Command {
	var async bool

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run two independent handles alternately over the configured transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := getApp(cmd)
			launchers := engine.NewLaunchers(a.cfg, entrypoint.Default, a.logger)
			opts, err := a.handleOptions(entrypoint.Default, launchers)
			if err != nil {
				return err
			}

			def := demo.Upper
			if async {
				def = demo.UpperAsync
			}
			a.logger.Info("running demo", "locator", def.Locator(), "transport", a.cfg.Transport)

			out, err := demo.Scenario(cmd.Context(), def, opts...)
			for _, line := range out {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&async, "async", false, "use the asynchronous entry point")
	return cmd
}
