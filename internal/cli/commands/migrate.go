package commands

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldops/layoutd/internal/cli/config"
	"github.com/fieldops/layoutd/internal/cli/ui"
	"github.com/fieldops/layoutd/internal/database"
)

var migrateVerbose bool

// categorizeDatabaseError returns a user-friendly error message based on the database error
// In verbose mode, it returns the full error; otherwise, it returns a categorized message
func categorizeDatabaseError(err error, verbose bool) string {
	if verbose {
		return err.Error()
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "syntax"):
		return "SQL syntax error - use --verbose for details"
	case strings.Contains(errStr, "constraint") || strings.Contains(errStr, "violates"):
		return "constraint violation - use --verbose for details"
	case strings.Contains(errStr, "already exists"):
		return "object already exists - use --verbose for details"
	case strings.Contains(errStr, "permission denied") || strings.Contains(errStr, "access denied"):
		return "permission denied - check database user privileges"
	case strings.Contains(errStr, "connect") || strings.Contains(errStr, "refused"):
		return "database unreachable - check database.dsn"
	}
	return "migration failed - use --verbose for details"
}

// NewMigrateCommand creates the migrate command
func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Apply and inspect the schema of the layout, permission and interaction
tables. Migrations are compiled into the binary; "serve" applies pending
ones on startup as well.`,
	}
	cmd.PersistentFlags().BoolVarP(&migrateVerbose, "verbose", "v", false, "show full database errors")

	cmd.AddCommand(newMigrateUpCommand())
	cmd.AddCommand(newMigrateStatusCommand())
	return cmd
}

func newMigrateUpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDatabase(cmd, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := database.Migrate(cmd.Context(), db, logger)
			if err != nil {
				return report(cmd, ui.MigrationError(categorizeDatabaseError(err, migrateVerbose), false), err)
			}

			success := color.New(color.FgGreen, color.Bold)
			if count == 0 {
				success.Fprintln(cmd.OutOrStdout(), "Database is up to date")
				return nil
			}
			success.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", count)
			return nil
		},
	}
}

func newMigrateStatusCommand() *cobra.Command {
	var noColor bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			db, err := openDatabase(cmd, cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			migrator := database.NewMigrator(db, logger)
			if err := migrator.Initialize(cmd.Context()); err != nil {
				return fmt.Errorf("%s", categorizeDatabaseError(err, migrateVerbose))
			}
			applied, err := migrator.Applied(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s", categorizeDatabaseError(err, migrateVerbose))
			}

			out := cmd.OutOrStdout()
			ui.Heading(out, "Migrations", noColor)
			list := ui.NewChecklist(out, "applied", "pending", noColor)
			for _, m := range database.Migrations {
				list.Add(fmt.Sprintf("%d %s", m.Version, m.Name), applied[m.Version])
			}
			list.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")
	return cmd
}

func openDatabase(cmd *cobra.Command, cfg *config.Config) (*sql.DB, error) {
	if cfg.Database.Driver == database.DriverMemory {
		return nil, fmt.Errorf("database.driver is %q; there is nothing to migrate", database.DriverMemory)
	}
	db, err := database.Open(cmd.Context(), database.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
	if err != nil {
		return nil, fmt.Errorf("%s", categorizeDatabaseError(err, migrateVerbose))
	}
	return db, nil
}
