package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
)

// NewStreamCommand creates the stream command
func NewStreamCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "stream",
		Aliases: []string{"streams"},
		Short:   "Inspect event streams",
		Long: `Inspect event streams in the configured store.

Examples:
  stoat stream list --type Quest        # List quest streams
  stoat stream show quest-1 --data      # Show events with payloads
  stoat stream version quest-1          # Print the current version`,
	}

	cmd.AddCommand(newStreamListCommand(opts))
	cmd.AddCommand(newStreamShowCommand(opts))
	cmd.AddCommand(newStreamVersionCommand(opts))

	return cmd
}

func newStreamListCommand(opts *Options) *cobra.Command {
	var (
		streamType string
		after      string
		limit      int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List streams of one type",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			lister, ok := env.Store.Adapter().(adapters.StreamLister)
			if !ok {
				return fmt.Errorf("%s store cannot list streams: %w", env.Config.Store.Driver, adapters.ErrNotSupported)
			}
			streams, err := lister.ListStreams(ctx, streamType, after, limit)
			if err != nil {
				return err
			}

			if len(streams) == 0 {
				fmt.Fprintln(out, styles.FormatInfo(fmt.Sprintf("No %s streams found", streamType)))
				return nil
			}

			table := ui.NewTable("Stream", "Type", "Version", "Updated")
			for _, s := range streams {
				table.AddRow(s.StreamID, s.StreamType, strconv.FormatInt(s.Version, 10), s.UpdatedAt.Format(time.RFC3339))
			}
			printTitle(out, styles.IconStream+" Streams")
			fmt.Fprintln(out, table.Render())
			fmt.Fprintf(out, "\nShowing %d streams\n", table.Len())
			return nil
		},
	}

	cmd.Flags().StringVarP(&streamType, "type", "t", "Quest", "Stream type")
	cmd.Flags().StringVar(&after, "after", "", "List streams after this stream ID")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum streams to show")

	return cmd
}

func newStreamShowCommand(opts *Options) *cobra.Command {
	var (
		from     int64
		to       int64
		showData bool
	)

	cmd := &cobra.Command{
		Use:   "show <stream-id>",
		Short: "Show the events of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			streamID := args[0]

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			info, err := env.Store.StreamInfo(ctx, streamID)
			if err != nil {
				return err
			}
			events, err := env.Store.ReadStreamRaw(ctx, streamID, stoat.FromVersion(from), stoat.ToVersion(to))
			if err != nil {
				return err
			}

			printTitle(out, fmt.Sprintf("%s %s (%s, version %d)", styles.IconStream, streamID, info.StreamType, info.Version))
			if len(events) == 0 {
				fmt.Fprintln(out, styles.FormatInfo("No events in range"))
				return nil
			}

			table := ui.NewTable("Version", "Kind", "Position", "Recorded")
			for _, e := range events {
				table.AddRow(
					strconv.FormatInt(e.Version, 10),
					e.Type,
					strconv.FormatUint(e.GlobalPosition, 10),
					e.Timestamp.Format(time.RFC3339),
				)
			}
			fmt.Fprintln(out, table.Render())

			if showData {
				for _, e := range events {
					fmt.Fprintln(out)
					fmt.Fprintln(out, styles.Subtitle.Render(fmt.Sprintf("#%d %s", e.Version, e.Type)))
					fmt.Fprintln(out, formatPayload(e.Data))
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&from, "from", 1, "First version to show")
	cmd.Flags().Int64Var(&to, "to", 0, "Last version to show (0 reads to the end)")
	cmd.Flags().BoolVar(&showData, "data", false, "Print event payloads")

	return cmd
}

func newStreamVersionCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "version <stream-id>",
		Short: "Print the current version of a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			version, err := env.Store.CurrentVersion(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

// formatPayload indents JSON payloads and prints anything else as a byte count.
func formatPayload(data []byte) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "  ", "  "); err == nil {
		return "  " + pretty.String()
	}
	return styles.Muted.Render(fmt.Sprintf("  <%d bytes of binary payload>", len(data)))
}
