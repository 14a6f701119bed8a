package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/examples/quest"
)

// NewSchemaCommand creates the schema command
func NewSchemaCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the store schema",
		Long: `Prepare the configured store for use.

Examples:
  stoat schema init              # Create tables, indexes or buckets`,
	}

	cmd.AddCommand(newSchemaInitCommand(opts))

	return cmd
}

func newSchemaInitCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the store schema if it does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			// Registering the demo domain validates its fold tables before
			// anything is written.
			if _, err := quest.Register(env.Store, nil); err != nil {
				return err
			}
			if err := env.Store.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize %s store: %w", env.Config.Store.Driver, err)
			}

			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Initialized %s store", env.Config.Store.Driver)))
			return nil
		},
	}
}
