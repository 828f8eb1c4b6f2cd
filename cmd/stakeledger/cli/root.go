package cli

import (
	"StakeLedger/internal/config"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "config/config.yml"

var cfgPath string

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stakeledger",
		Short:         "Position tokenization ledger over a staking engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", defaultConfigPath,
		fmt.Sprintf("config file; STAKE_* env vars override it (default %s)", defaultConfigPath))

	root.AddCommand(StartCmd())
	root.AddCommand(MigrateCmd())
	root.AddCommand(RebuildProjectionsCmd())
	return root
}

// Execute runs the root command under a context cancelled by SIGINT or
// SIGTERM, and logs any error it returns.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil {
		logger := observability.NewLogger("cli")
		logger.Error().Err(err).Msg("command failed")
	}
	return err
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.New(cfgPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, observability.NewLoggerWithLevel("stakeledger", cfg.Log.Level), nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := persistence.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	return db, nil
}
