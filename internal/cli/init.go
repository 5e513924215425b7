package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize almanac storage",
		Long:  "Create the configuration and data directories, then initialize the local data service.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// setup has already written config.yaml; attaching creates the
			// data directory and its JSONL files.
			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			if err := backend.Detach(); err != nil {
				return sysError(fmt.Errorf("finalize storage: %w", err))
			}
			dataDir, err := a.resolveDataDir()
			if err != nil {
				return sysError(err)
			}

			fmt.Fprintln(a.out, "Almanac initialized successfully")
			fmt.Fprintln(a.out, "  config:", a.configDir)
			fmt.Fprintln(a.out, "  data:  ", dataDir)
			return nil
		},
	}
}
