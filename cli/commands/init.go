package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/cli/config"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

// NewInitCommand creates the init command
func NewInitCommand() *cobra.Command {
	var (
		name           string
		driver         string
		path           string
		url            string
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "init [directory]",
		Short: "Write a stoat.yaml configuration",
		Long: `Write a stoat.yaml configuration selecting the store driver.

Examples:
  stoat init                                        # Interactive
  stoat init quests --non-interactive --driver=sqlite --path=quests.db
  stoat init --non-interactive --driver=postgres --url='${DATABASE_URL}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			absDir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}

			if config.Exists(absDir) {
				fmt.Fprintln(out, styles.FormatWarning(config.ConfigFileName+" already exists in this directory"))
				return nil
			}

			cfg := config.DefaultConfig()
			cfg.Project.Name = filepath.Base(absDir)
			if name != "" {
				cfg.Project.Name = name
			}
			if driver != "" {
				cfg.Store.Driver = driver
			}
			cfg.Store.Path = path
			cfg.Store.URL = url

			if !nonInteractive {
				fmt.Fprintln(out, ui.SimpleBanner())
				fmt.Fprintln(out)
				if err := initForm(cfg).Run(); err != nil {
					return err
				}
			}
			if cfg.Store.Path == "" {
				cfg.Store.Path = defaultPath(cfg)
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.MkdirAll(absDir, 0755); err != nil {
				return err
			}
			if err := cfg.Save(absDir); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}

			fmt.Fprintln(out, styles.FormatSuccess("Created "+config.ConfigFileName))
			fmt.Fprintln(out)
			fmt.Fprintln(out, styles.Box.Render(nextSteps(cfg)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Project name")
	cmd.Flags().StringVarP(&driver, "driver", "d", "", "Store driver (memory, sqlite, badger, postgres)")
	cmd.Flags().StringVar(&path, "path", "", "SQLite file or Badger directory")
	cmd.Flags().StringVar(&url, "url", "", "PostgreSQL connection URL")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Use flags instead of prompting")

	return cmd
}

func initForm(cfg *config.Config) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Project Name").
				Value(&cfg.Project.Name),
			huh.NewSelect[string]().
				Title("Store Driver").
				Options(
					huh.NewOption("PostgreSQL", config.DriverPostgres),
					huh.NewOption("SQLite file", config.DriverSQLite),
					huh.NewOption("Badger directory", config.DriverBadger),
					huh.NewOption("In-memory (nothing persists)", config.DriverMemory),
				).
				Value(&cfg.Store.Driver),
		).Title("Project"),

		huh.NewGroup(
			huh.NewInput().
				Title("Connection URL").
				Description("${VAR} references are expanded when the CLI runs").
				Placeholder("${DATABASE_URL}").
				Value(&cfg.Store.URL),
		).WithHideFunc(func() bool { return cfg.Store.Driver != config.DriverPostgres }),

		huh.NewGroup(
			huh.NewInput().
				Title("Path").
				Placeholder(defaultPath(cfg)).
				Value(&cfg.Store.Path),
		).WithHideFunc(func() bool {
			return cfg.Store.Driver != config.DriverSQLite && cfg.Store.Driver != config.DriverBadger
		}),
	).WithTheme(huh.ThemeCharm())
}

func defaultPath(cfg *config.Config) string {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		return cfg.Project.Name + ".db"
	case config.DriverBadger:
		return cfg.Project.Name + ".badger"
	}
	return ""
}

func nextSteps(cfg *config.Config) string {
	steps := []string{
		styles.Bold.Render("Next Steps:"),
		"",
	}

	n := 1
	if cfg.Store.Driver != config.DriverMemory {
		steps = append(steps,
			fmt.Sprintf("%d. Prepare the %s store:", n, cfg.Store.Driver),
			"   "+styles.Code.Render("stoat schema init"),
			"",
		)
		n++
	}
	steps = append(steps,
		fmt.Sprintf("%d. Commit the demo quest:", n),
		"   "+styles.Code.Render("stoat demo run"),
	)

	return strings.Join(steps, "\n")
}

func printTitle(out io.Writer, title string) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, styles.Title.Render(title))
}
