// Package commands provides the CLI command implementations for eventserver.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fortium/eventserver/cli/styles"
	"github.com/fortium/eventserver/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// globalOptions holds the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	noColor    bool
	trace      bool
	logLevel   string
}

// NewRootCommand creates the root command for the eventserver CLI
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "eventserver",
		Short: "Event-sourced aggregates, projections and outbox delivery",
		Long: ui.Banner() + `

eventserver validates commands against partner, user, videoconference,
calendar and payment aggregates, appends the resulting events to the log
and keeps projections and the outbox in step.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("eventserver init") + `                 Create eventserver.yaml
  ` + styles.Code.Render("eventserver migrate up") + `           Apply the postgres schema
  ` + styles.Code.Render("eventserver submit ...") + `           Submit a command
  ` + styles.Code.Render("eventserver projection get ...") + `   Read a projection document
  ` + styles.Code.Render("eventserver diagnose") + `             Check your setup`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				styles.DisableColors()
			}
		},
	}

	// Global flags
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to eventserver.yaml (default: search upward from the working directory)")
	flags.BoolVar(&opts.noColor, "no-color", !ui.ShouldUseColor(), "Disable colored output")
	flags.BoolVar(&opts.trace, "trace", false, "Write OpenTelemetry spans to stderr")
	flags.StringVar(&opts.logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewMigrateCommand(opts))
	rootCmd.AddCommand(NewSubmitCommand(opts))
	rootCmd.AddCommand(NewStreamCommand(opts))
	rootCmd.AddCommand(NewProjectionCommand(opts))
	rootCmd.AddCommand(NewOutboxCommand(opts))
	rootCmd.AddCommand(NewDiagnoseCommand(opts))
	rootCmd.AddCommand(NewVersionCommand(Version, Commit, BuildDate))

	return rootCmd
}

// Execute runs the root command
func Execute() error {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, styles.FormatError(err.Error()))
		return err
	}

	return nil
}
