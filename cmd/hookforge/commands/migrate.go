package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"oss.nandlabs.io/hookforge/config"
	"oss.nandlabs.io/hookforge/persistence"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema (idempotent, safe to re-run)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dsn := config.GetEnvAsString("HOOKFORGE_PERSISTENCE_URL", "")
			if dsn == "" {
				return fmt.Errorf("HOOKFORGE_PERSISTENCE_URL must be set to a postgres DSN")
			}

			gateway, err := persistence.OpenPgGateway(ctx, dsn)
			if err != nil {
				return fmt.Errorf("open persistence: %w", err)
			}
			defer gateway.Close()

			if err := persistence.Migrate(ctx, gateway); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}

			logger.InfoF("schema applied")
			return nil
		},
	}
}
