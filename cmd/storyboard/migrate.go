package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"storyboard/internal/app"
	dbconfig "storyboard/pkg/database"
)

func newMigrateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQLite migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}

			db, err := dbconfig.Open(app.DatabaseConfig(cfg.Database))
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			mm := dbconfig.NewMigrationManager(db)
			applied, err := mm.ApplyMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if err := mm.ValidateSchema(); err != nil {
				return fmt.Errorf("schema validation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				_, err = fmt.Fprintf(out, "%s: schema up to date\n", cfg.Database.Path)
				return err
			}
			_, err = fmt.Fprintf(out, "%s: applied %s\n", cfg.Database.Path, strings.Join(applied, ", "))
			return err
		},
	}
	cmd.Flags().String("db", "", "SQLite database path (overrides database.path)")
	cmd.PreRunE = func(cmd *cobra.Command, _ []string) error {
		return bindFlags(v, cmd, map[string]string{"database.path": "db"})
	}
	return cmd
}
