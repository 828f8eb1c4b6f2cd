package cli

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/projection"
	"fmt"

	"github.com/spf13/cobra"
)

// RebuildProjectionsCmd truncates the projection tables and replays them
// from the event log. Run it with the service stopped.
func RebuildProjectionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild projection tables from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			genesis, err := cfg.Genesis.Build()
			if err != nil {
				return err
			}
			ledger, err := core.NewLedger(genesis)
			if err != nil {
				return fmt.Errorf("build genesis: %w", err)
			}

			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			return projection.RebuildProjections(cmd.Context(), db, ledger.GenesisReceipt, logger)
		},
	}
}
