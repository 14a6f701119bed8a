// Package commands provides the CLI command implementations for stoat.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// Options holds the global flags shared by every command.
type Options struct {
	ConfigPath string
	NoColor    bool
	LogLevel   string
	Trace      bool
}

// NewRootCommand creates the root command for the stoat CLI
func NewRootCommand() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:   "stoat",
		Short: "Event streams and projections for Go",
		Long: ui.SimpleBanner() + `

Stoat stores append-only event streams and keeps projections of them
up to date, inline with each commit or folded on read.

` + styles.Title.Render("Quick Start:") + `

  ` + styles.Code.Render("stoat init") + `            Write a stoat.yaml
  ` + styles.Code.Render("stoat schema init") + `     Prepare the configured store
  ` + styles.Code.Render("stoat demo run") + `        Commit the quest scenario
  ` + styles.Code.Render("stoat stream list") + `     Inspect what was written`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.NoColor {
				styles.DisableColors()
			}
			switch opts.LogLevel {
			case "", "debug", "info", "warn", "error":
				return nil
			default:
				return fmt.Errorf("invalid --log-level %q", opts.LogLevel)
			}
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (default: stoat.yaml in this or a parent directory)")
	flags.BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.BoolVar(&opts.Trace, "trace", false, "Write OpenTelemetry spans to stderr")

	rootCmd.AddCommand(NewInitCommand())
	rootCmd.AddCommand(NewSchemaCommand(opts))
	rootCmd.AddCommand(NewStreamCommand(opts))
	rootCmd.AddCommand(NewDemoCommand(opts))
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

// NewVersionCommand creates the version command
func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.SimpleBanner())
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.FormatKeyValue("Version", version))
			fmt.Fprintln(out, styles.FormatKeyValue("Commit", commit))
			fmt.Fprintln(out, styles.FormatKeyValue("Built", buildDate))
		},
	}
}
