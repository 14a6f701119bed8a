package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/cli/styles"
	"github.com/AshkanYarmoradi/go-stoat/cli/ui"
	"github.com/AshkanYarmoradi/go-stoat/examples/quest"
)

// CheckStatus represents the status of a diagnostic check
type CheckStatus int

const (
	StatusOK CheckStatus = iota
	StatusWarning
	StatusError
)

func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWarning:
		return "warning"
	default:
		return "failed"
	}
}

// CheckResult represents the result of a diagnostic check
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
}

// NewDiagnoseCommand creates the diagnose command
func NewDiagnoseCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:     "diagnose",
		Aliases: []string{"diag", "doctor"},
		Short:   "Check the configuration and the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			results := runDiagnostics(cmd.Context(), opts, cmd.ErrOrStderr())
			printDiagnostics(cmd.OutOrStdout(), results)
			for _, r := range results {
				if r.Status == StatusError {
					return fmt.Errorf("%s check failed", r.Name)
				}
			}
			return nil
		},
	}
}

// runDiagnostics stops at the first failing check, since later checks need
// what earlier ones opened.
func runDiagnostics(ctx context.Context, opts *Options, stderr io.Writer) []CheckResult {
	var results []CheckResult

	cfg, err := opts.loadConfig()
	if err != nil {
		return append(results, CheckResult{Name: "Configuration", Status: StatusError, Message: err.Error()})
	}
	results = append(results, CheckResult{Name: "Configuration", Status: StatusOK, Message: "driver " + cfg.Store.Driver})

	env, err := opts.openStore(ctx, stderr, false)
	if err != nil {
		return append(results, CheckResult{Name: "Store connection", Status: StatusError, Message: err.Error()})
	}
	defer env.Close()
	results = append(results, CheckResult{Name: "Store connection", Status: StatusOK})

	if _, err := quest.Register(env.Store, nil); err != nil {
		return append(results, CheckResult{Name: "Projections", Status: StatusError, Message: err.Error()})
	}
	if err := env.Store.Validate(); err != nil {
		return append(results, CheckResult{Name: "Projections", Status: StatusError, Message: err.Error()})
	}
	results = append(results, CheckResult{
		Name:    "Projections",
		Status:  StatusOK,
		Message: fmt.Sprintf("%d registered", len(env.Store.Projections().Projections())),
	})

	results = append(results, checkStreamListing(ctx, env.Store))
	return results
}

func checkStreamListing(ctx context.Context, store *stoat.EventStore) CheckResult {
	result := CheckResult{Name: "Stream listing"}
	lister, ok := store.Adapter().(adapters.StreamLister)
	if !ok {
		result.Status = StatusWarning
		result.Message = "the store cannot list streams, so projections cannot be rebuilt"
		return result
	}
	if _, err := lister.ListStreams(ctx, quest.StreamType, "", 1); err != nil {
		result.Status = StatusWarning
		result.Message = "run stoat schema init: " + err.Error()
		return result
	}
	result.Status = StatusOK
	return result
}

func printDiagnostics(out io.Writer, results []CheckResult) {
	printTitle(out, "Diagnostics")
	for _, r := range results {
		fmt.Fprintf(out, "  %-18s %s\n", r.Name, ui.StatusBadge(r.Status.String()))
		if r.Message != "" {
			fmt.Fprintf(out, "    %s\n", styles.Muted.Render(r.Message))
		}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, ui.Divider(40))
}
