package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/offload/internal/engine"
	"github.com/seantiz/offload/internal/entrypoint"
	"github.com/seantiz/offload/internal/worker"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <locator> <json-input>",
		Short: "Start a worker for an entry point, make one call, and print the output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			locator, input := args[0], json.RawMessage(args[1])
			if !json.Valid(input) {
				return fmt.Errorf("input is not valid JSON: %s", args[1])
			}

			a := getApp(cmd)
			launchers := engine.NewLaunchers(a.cfg, entrypoint.Default, a.logger)
			opts, err := a.handleOptions(entrypoint.Default, launchers)
			if err != nil {
				return err
			}

			h, err := worker.OpenRaw(cmd.Context(), locator, opts...)
			if err != nil {
				return err
			}
			defer h.Terminate()

			out, err := h.RunJSON(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
