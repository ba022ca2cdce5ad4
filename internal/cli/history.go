package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/journal"
	"github.com/roach88/homesync/internal/state"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Journal  string
	Limit    int
	Failures bool
}

// CommitEntry is one journaled commit in command output.
type CommitEntry struct {
	Seq          int64        `json:"seq"`
	InvocationID string       `json:"invocation_id"`
	Service      string       `json:"service"`
	Action       string       `json:"action"`
	Revision     int64        `json:"revision"`
	User         string       `json:"user"`
	Digest       string       `json:"digest"`
	CommittedAt  string       `json:"committed_at"`
	DurationUS   int64        `json:"duration_us"`
	State        state.Object `json:"state"`
}

// FailureEntry is one journaled failure in command output.
type FailureEntry struct {
	ID           int64  `json:"id"`
	InvocationID string `json:"invocation_id,omitempty"`
	Service      string `json:"service"`
	Action       string `json:"action"`
	User         string `json:"user"`
	Code         string `json:"code"`
	Message      string `json:"message"`
	FailedAt     string `json:"failed_at"`
}

// HistoryResult is the output of the history command.
type HistoryResult struct {
	Service  string         `json:"service,omitempty"`
	Commits  []CommitEntry  `json:"commits"`
	Failures []FailureEntry `json:"failures,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [service]",
		Short: "Show journaled commits",
		Long: `Show the commit journal.

With a service name, lists that service's most recent commits, oldest
first. Without one, lists the latest commit of every service.
--failures adds rejected and failed invocations.

Examples:
  homesync history
  homesync history lights --limit 20
  homesync history counter --failures --format json
  homesync history --journal ./homesync.db`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			service := ""
			if len(args) == 1 {
				service = args[0]
			}
			return runHistory(opts, service, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal database (default: from config)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum entries per list (0 for all)")
	cmd.Flags().BoolVar(&opts.Failures, "failures", false, "include failed invocations")

	return cmd
}

func runHistory(opts *HistoryOptions, service string, cmd *cobra.Command) error {
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}
	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	result, err := loadHistory(cmd.Context(), j, service, opts.Limit, opts.Failures)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(CLIResponse{Status: "ok", Data: result})
	}
	return outputHistoryText(cmd, result, opts.Verbose)
}

func loadHistory(ctx context.Context, j *journal.Journal, service string, limit int, failures bool) (HistoryResult, error) {
	result := HistoryResult{Service: service, Commits: []CommitEntry{}}

	var commits []journal.Commit
	if service != "" {
		var err error
		if commits, err = j.History(ctx, service, limit); err != nil {
			return result, err
		}
	} else {
		latest, err := j.Latest(ctx)
		if err != nil {
			return result, err
		}
		for _, c := range latest {
			commits = append(commits, c)
		}
		sort.Slice(commits, func(a, b int) bool { return commits[a].Seq < commits[b].Seq })
	}
	for _, c := range commits {
		result.Commits = append(result.Commits, CommitEntry{
			Seq:          c.Seq,
			InvocationID: c.InvocationID,
			Service:      c.Service,
			Action:       c.Action,
			Revision:     c.Revision,
			User:         c.User.String(),
			Digest:       c.Digest,
			CommittedAt:  c.CommittedAt.UTC().Format(time.RFC3339Nano),
			DurationUS:   c.Duration.Microseconds(),
			State:        c.State,
		})
	}

	if failures {
		fs, err := j.Failures(ctx, service, limit)
		if err != nil {
			return result, err
		}
		for _, f := range fs {
			result.Failures = append(result.Failures, FailureEntry{
				ID:           f.ID,
				InvocationID: f.InvocationID,
				Service:      f.Service,
				Action:       f.Action,
				User:         f.User.String(),
				Code:         string(f.Code),
				Message:      f.Message,
				FailedAt:     f.FailedAt.UTC().Format(time.RFC3339Nano),
			})
		}
	}
	return result, nil
}

func outputHistoryText(cmd *cobra.Command, result HistoryResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if len(result.Commits) == 0 {
		if result.Service != "" {
			fmt.Fprintf(w, "No commits for service: %s\n", result.Service)
		} else {
			fmt.Fprintln(w, "No commits.")
		}
	} else {
		if result.Service != "" {
			fmt.Fprintf(w, "History: %s (%d commits)\n", result.Service, len(result.Commits))
		} else {
			fmt.Fprintf(w, "Latest commits (%d services)\n", len(result.Commits))
		}
		for _, c := range result.Commits {
			fmt.Fprintf(w, "  [%d] %s.%s rev %d by %s at %s digest %s\n",
				c.Seq, c.Service, c.Action, c.Revision, c.User, c.CommittedAt, truncateDigest(c.Digest))
			if verbose {
				b, err := state.Marshal(c.State)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "      %s\n", b)
			}
		}
	}

	if len(result.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures (%d)\n", len(result.Failures))
		for _, f := range result.Failures {
			fmt.Fprintf(w, "  [%d] %s.%s by %s: %s %s\n", f.ID, f.Service, f.Action, f.User, f.Code, f.Message)
		}
	}
	return nil
}

func truncateDigest(d string) string {
	if len(d) <= 12 {
		return d
	}
	return d[:12]
}
