package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fortium/eventserver/adapters/postgres"
	"github.com/fortium/eventserver/cli/config"
	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
)

// NewMigrateCommand creates the migrate command
func NewMigrateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
		Long: `Apply and roll back the embedded postgres schema migrations.

SQLite databases are migrated when opened and the memory driver has no
schema, so these commands only act on the postgres driver.

Examples:
  eventserver migrate up            # Apply all pending migrations
  eventserver migrate down          # Roll back the last migration
  eventserver migrate version       # Show the applied version
  eventserver migrate list          # List embedded migrations`,
	}

	cmd.AddCommand(newMigrateUpCommand(opts))
	cmd.AddCommand(newMigrateDownCommand(opts))
	cmd.AddCommand(newMigrateVersionCommand(opts))
	cmd.AddCommand(newMigrateListCommand(opts))

	return cmd
}

// postgresURL loads the config and returns the postgres URL, or "" with an
// informational message printed when the driver needs no migrations.
func (o *globalOptions) postgresURL(out io.Writer) (string, error) {
	cfg, _, err := o.loadConfig()
	if err != nil {
		return "", err
	}

	switch cfg.Database.Driver {
	case config.DriverPostgres:
	case config.DriverSQLite:
		fmt.Fprintln(out, styles.FormatInfo("SQLite databases are migrated automatically when opened"))
		return "", nil
	default:
		fmt.Fprintln(out, styles.FormatInfo("Memory driver doesn't require migrations"))
		return "", nil
	}

	url := cfg.DatabaseURL()
	if url == "" {
		return "", fmt.Errorf("database.url is empty (is DATABASE_URL set?)")
	}
	return url, nil
}

func newMigrateUpCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			url, err := opts.postgresURL(out)
			if err != nil || url == "" {
				return err
			}

			return ui.RunSpinner(out, "Applying migrations...", "Schema is up to date", func() error {
				return postgres.MigrateUp(url)
			})
		},
	}
}

func newMigrateDownCommand(opts *globalOptions) *cobra.Command {
	var (
		steps int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back applied migrations. By default only the last one is rolled
back; --all drops the whole schema, including every stored event.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			url, err := opts.postgresURL(out)
			if err != nil || url == "" {
				return err
			}

			n := steps
			if all {
				n = 0
			} else if n <= 0 {
				return fmt.Errorf("--steps must be positive")
			}

			done := fmt.Sprintf("Rolled back %d migration(s)", n)
			if all {
				done = "Rolled back every migration"
			}
			return ui.RunSpinner(out, "Rolling back...", done, func() error {
				return postgres.MigrateDown(url, n)
			})
		},
	}

	cmd.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to roll back")
	cmd.Flags().BoolVar(&all, "all", false, "Roll back every migration")
	return cmd
}

func newMigrateVersionCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the applied schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			url, err := opts.postgresURL(out)
			if err != nil || url == "" {
				return err
			}

			version, dirty, err := postgres.MigrationVersion(url)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, styles.FormatKeyValue("Version", strconv.FormatUint(uint64(version), 10)))
			if dirty {
				fmt.Fprintln(out, styles.FormatWarning("Schema is dirty: a migration failed halfway and needs manual repair"))
			}
			return nil
		},
	}
}

func newMigrateListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List embedded migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			names, err := postgres.Migrations()
			if err != nil {
				return err
			}

			// The applied version is optional: listing works offline.
			var applied uint
			if cfg, _, err := opts.loadConfig(); err == nil && cfg.Database.Driver == config.DriverPostgres && cfg.DatabaseURL() != "" {
				if v, _, err := postgres.MigrationVersion(cfg.DatabaseURL()); err == nil {
					applied = v
				}
			}

			tbl := ui.NewTable("Version", "Name", "Status")
			for _, name := range names {
				if !strings.HasSuffix(name, ".up.sql") {
					continue
				}
				version, label := splitMigrationName(name)
				status := "pending"
				if version != 0 && version <= applied {
					status = "applied"
				}
				tbl.AddRow(strconv.FormatUint(uint64(version), 10), label, ui.StatusBadge(status))
			}
			fmt.Fprintln(out, tbl.Render())
			return nil
		},
	}
}

// splitMigrationName parses "000002_projection_documents.up.sql".
func splitMigrationName(name string) (uint, string) {
	base := strings.TrimSuffix(name, ".up.sql")
	prefix, label, _ := strings.Cut(base, "_")
	v, err := strconv.ParseUint(prefix, 10, 32)
	if err != nil {
		return 0, base
	}
	return uint(v), label
}
