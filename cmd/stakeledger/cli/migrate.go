package cli

import (
	"StakeLedger/internal/persistence"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// MigrateCmd groups the schema migration subcommands.
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		migrateSubCmd("up", "Apply all pending migrations", func(m *persistence.Migrator, c *cobra.Command) error {
			return m.Up(c.Context())
		}),
		migrateSubCmd("down", "Roll back the last migration", func(m *persistence.Migrator, c *cobra.Command) error {
			return m.Down(c.Context())
		}),
		migrateSubCmd("status", "List migrations and whether they are applied", func(m *persistence.Migrator, c *cobra.Command) error {
			statuses, err := m.Status(c.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tFILE\tAPPLIED")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%v\n", s.Version, s.Filename, s.Applied)
			}
			return w.Flush()
		}),
	)
	return cmd
}

func migrateSubCmd(use, short string, run func(*persistence.Migrator, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := run(persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, logger), cmd); err != nil {
				return fmt.Errorf("migrate %s: %w", use, err)
			}
			return nil
		},
	}
}
