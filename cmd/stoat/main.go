// stoat is the command-line interface for the go-stoat event store.
//
// Usage:
//
//	stoat <command> [flags]
//
// Commands:
//
//	init        Write a stoat.yaml configuration
//	schema      Prepare the configured store
//	stream      List and inspect event streams
//	demo        Commit the quest scenario and rebuild its projections
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Use a SQLite file in the current directory
//	stoat init --non-interactive --driver=sqlite
//
//	# Write two quests and look at them
//	stoat demo run --quests 2
//	stoat stream show quest-1 --data
//
//	# Rebuild the inline quest projection
//	stoat demo rebuild --projection quest
package main

import (
	"os"

	"github.com/AshkanYarmoradi/go-stoat/cli/commands"
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
