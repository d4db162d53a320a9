package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/authz-server/storage/sqlstore"
)

func (c *cli) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database schema migrations",
		Long: `Apply all pending schema migrations to the sqlite or postgres store
selected by --store and --dsn, then print the schema version.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			driver := c.v.GetString(keyStoreDriver)
			if driver != storeDriverSQLite && driver != storeDriverPostgres {
				return fmt.Errorf("migrate requires the %s or %s store, got %q", storeDriverSQLite, storeDriverPostgres, driver)
			}

			store, err := openStore(cmd.Context(), c.v, c.logger, false)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			sqlStore, ok := store.Store.(*sqlstore.Store)
			if !ok {
				return fmt.Errorf("store %q does not support migrations", driver)
			}
			version, err := sqlStore.Migrate(cmd.Context())
			if err != nil {
				return err
			}

			_, err = fmt.Fprintf(c.out, "Schema is at version %d\n", version)
			return err
		},
	}
}
