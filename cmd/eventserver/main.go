// eventserver is the command-line interface for the eventserver backend.
//
// Usage:
//
//	eventserver <command> [flags]
//
// Commands:
//
//	init        Create an eventserver.yaml for a project
//	migrate     Manage PostgreSQL migrations
//	submit      Submit a command to an aggregate
//	stream      Inspect event streams
//	projection  Query and rebuild projections
//	outbox      Deliver scheduled outbox messages
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Create a configuration backed by sqlite
//	eventserver init --name billing --driver sqlite
//
//	# Create a partner
//	eventserver submit partner leo@x.com CreatePartner '{"firstName":"Leo","lastName":"Kim"}'
//
//	# Read the partner document
//	eventserver projection get partners leo@x.com
//
//	# Rebuild every projection
//	eventserver projection rebuild --all
package main

import (
	"os"

	"github.com/fortium/eventserver/cli/commands"

	// Register the PostgreSQL database/sql driver used by migrations.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
