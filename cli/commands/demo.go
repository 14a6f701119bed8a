package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/AshkanYarmoradi/go-stoat/examples/quest"
	"github.com/AshkanYarmoradi/go-stoat/forward/kafka"
	"github.com/AshkanYarmoradi/go-stoat/forward/webhook"
)

// NewDemoCommand creates the demo command
func NewDemoCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the quest scenario against the configured store",
		Long: `Commit quest streams and rebuild their projections.

The quest domain has an inline "quest" projection, stored as a document
per stream, and a live "quest-party" projection folded on read.

Examples:
  stoat demo run --quests 3       # Commit quest-1 .. quest-3
  stoat demo rebuild              # Refold every quest document`,
	}

	cmd.AddCommand(newDemoRunCommand(opts))
	cmd.AddCommand(newDemoRebuildCommand(opts))

	return cmd
}

func newDemoRunCommand(opts *Options) *cobra.Command {
	var (
		quests int
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Commit the quest journey",
		RunE: func(cmd *cobra.Command, args []string) error {
			if quests < 1 {
				return fmt.Errorf("--quests must be at least 1")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), true)
			if err != nil {
				return err
			}
			defer env.Close()

			domain, err := quest.Register(env.Store, nil)
			if err != nil {
				return err
			}
			if err := env.Store.Initialize(ctx); err != nil {
				return err
			}

			table := ui.NewTable("Quest", "Version", "Party", "Skipped")
			for i := 1; i <= quests; i++ {
				id := fmt.Sprintf("%s-%d", prefix, i)
				result, err := quest.Journey(ctx, env.Store, id)
				if err != nil {
					if errors.Is(err, stoat.ErrStreamAlreadyExists) {
						return fmt.Errorf("%s was already committed, pick another --prefix: %w", id, err)
					}
					return err
				}

				party, _, err := stoat.LoadProjection(ctx, env.Store, domain.Party, id)
				if err != nil {
					return err
				}
				table.AddRow(
					id,
					strconv.FormatInt(result.Version(id), 10),
					strings.Join(party.Members, ", "),
					strconv.Itoa(len(result.ProjectionErrors)),
				)
			}

			printTitle(out, styles.IconStoat+" Quest journey")
			fmt.Fprintln(out, table.Render())
			fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Committed %d quests", quests)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&quests, "quests", "q", 1, "Number of quests to commit")
	cmd.Flags().StringVar(&prefix, "prefix", "quest", "Stream ID prefix")

	return cmd
}

func newDemoRebuildCommand(opts *Options) *cobra.Command {
	var (
		projection string
		plain      bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild a quest projection from its streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			env, err := opts.openStore(ctx, cmd.ErrOrStderr(), false)
			if err != nil {
				return err
			}
			defer env.Close()

			if _, err := quest.Register(env.Store, nil); err != nil {
				return err
			}
			if err := env.Store.Initialize(ctx); err != nil {
				return err
			}

			total, err := countStreams(ctx, env.Store, quest.StreamType)
			if err != nil {
				return err
			}
			rebuilder := stoat.NewProjectionRebuilder(env.Store, stoat.WithRebuilderLogger(env.Logger))

			if plain {
				return rebuildPlain(ctx, out, rebuilder, projection, total)
			}
			return rebuildWithProgress(ctx, cmd.InOrStdin(), out, rebuilder, projection, total)
		},
	}

	cmd.Flags().StringVarP(&projection, "projection", "p", quest.QuestProjectionName, "Projection to rebuild")
	cmd.Flags().BoolVar(&plain, "plain", false, "Print progress lines instead of a progress bar")

	return cmd
}

// countStreams pages through every stream of streamType.
func countStreams(ctx context.Context, store *stoat.EventStore, streamType string) (int, error) {
	lister, ok := store.Adapter().(adapters.StreamLister)
	if !ok {
		return 0, adapters.ErrNotSupported
	}

	const page = 500
	total, after := 0, ""
	for {
		streams, err := lister.ListStreams(ctx, streamType, after, page)
		if err != nil {
			return 0, err
		}
		total += len(streams)
		if len(streams) < page {
			return total, nil
		}
		after = streams[len(streams)-1].StreamID
	}
}

func rebuildPlain(ctx context.Context, out io.Writer, r *stoat.ProjectionRebuilder, name string, total int) error {
	progress, err := r.Rebuild(ctx, name, func(p stoat.RebuildProgress) {
		if !p.Completed {
			fmt.Fprintln(out, styles.FormatStep(int(p.StreamsProcessed), total, "streams rebuilt"))
		}
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, styles.FormatSuccess(fmt.Sprintf("Rebuilt %s: %d streams, %d events",
		name, progress.StreamsProcessed, progress.EventsProcessed)))
	return nil
}

func rebuildWithProgress(ctx context.Context, in io.Reader, out io.Writer, r *stoat.ProjectionRebuilder, name string, total int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(ui.NewRebuild(name, total), tea.WithInput(in), tea.WithOutput(out))
	go func() {
		_, err := r.Rebuild(ctx, name, func(p stoat.RebuildProgress) {
			program.Send(ui.RebuildProgressMsg{Streams: p.StreamsProcessed, Events: p.EventsProcessed})
		})
		program.Send(ui.RebuildDoneMsg{Err: err})
	}()

	final, err := program.Run()
	if err != nil {
		return err
	}
	model := final.(ui.RebuildModel)
	if model.Cancelled() {
		return context.Canceled
	}
	return model.Err()
}

// forwarders builds the publishers named in the forward section.
func (e *storeEnv) forwarders() []stoat.Publisher {
	var publishers []stoat.Publisher

	fwd := e.Config.Forward
	if len(fwd.KafkaBrokers) > 0 {
		kopts := []kafka.Option{kafka.WithBrokers(fwd.KafkaBrokers...)}
		if fwd.KafkaPrefix != "" {
			kopts = append(kopts, kafka.WithTopicPrefix(fwd.KafkaPrefix))
		}
		p := kafka.New(kopts...)
		e.closers = append(e.closers, p.Close)
		publishers = append(publishers, p)
	}
	if fwd.WebhookURL != "" {
		publishers = append(publishers, webhook.New(fwd.WebhookURL))
	}

	if e.Tracer != nil {
		for i, p := range publishers {
			publishers[i] = e.Tracer.WrapPublisher(p)
		}
	}
	if len(publishers) > 0 {
		e.Logger.Debug("Forwarding committed events", "publishers", len(publishers))
	}
	return publishers
}
