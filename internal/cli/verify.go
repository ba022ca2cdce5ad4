package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/journal"
	"github.com/roach88/homesync/internal/state"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Journal string
}

// VerifyProblem is one inconsistency found in the journal.
type VerifyProblem struct {
	Seq     int64  `json:"seq"`
	Service string `json:"service"`
	Message string `json:"message"`
}

// VerifyResult is the output of the verify command.
type VerifyResult struct {
	Commits  int             `json:"commits"`
	Services int             `json:"services"`
	OK       bool            `json:"ok"`
	Problems []VerifyProblem `json:"problems,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check journal integrity",
		Long: `Re-derive every journaled state's digest and check commit ordering.

Each commit's stored digest must match the digest of its stored state,
sequence numbers must increase, and each service's revisions must
increase by one from commit to commit, or start over at 1 after a restart.

Exit codes:
  0 - journal is consistent
  1 - one or more problems found
  2 - command error (journal not found, etc.)

Examples:
  homesync verify
  homesync verify --journal ./homesync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Journal, "journal", "", "journal database (default: from config)")

	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	j, err := openJournal(opts.RootOptions, opts.Journal)
	if err != nil {
		return err
	}
	defer j.Close()

	result, err := verifyJournal(cmd.Context(), j)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	if opts.Format == "json" {
		response := CLIResponse{Status: "ok", Data: result}
		if !result.OK {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    CodeJournalFault,
				Message: fmt.Sprintf("%d journal problem(s)", len(result.Problems)),
			}
		}
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(response); err != nil {
			return err
		}
	} else {
		outputVerifyText(cmd, result)
	}

	if !result.OK {
		return NewExitError(ExitFailure, fmt.Sprintf("%d journal problem(s)", len(result.Problems)))
	}
	return nil
}

func verifyJournal(ctx context.Context, j *journal.Journal) (VerifyResult, error) {
	commits, err := j.After(ctx, 0)
	if err != nil {
		return VerifyResult{}, err
	}

	result := VerifyResult{Commits: len(commits)}
	lastRevision := make(map[string]int64)
	var lastSeq int64
	for _, c := range commits {
		problem := func(format string, args ...any) {
			result.Problems = append(result.Problems, VerifyProblem{
				Seq:     c.Seq,
				Service: c.Service,
				Message: fmt.Sprintf(format, args...),
			})
		}

		digest, err := state.Digest(c.State)
		if err != nil {
			problem("state cannot be encoded: %v", err)
		} else if digest != c.Digest {
			problem("digest mismatch: stored %s, computed %s", truncateDigest(c.Digest), truncateDigest(digest))
		}

		if c.Seq <= lastSeq {
			problem("sequence %d does not follow %d", c.Seq, lastSeq)
		}
		lastSeq = c.Seq

		// Services start over at revision 0 when the process restarts.
		if prev, ok := lastRevision[c.Service]; ok && c.Revision != prev+1 && c.Revision != 1 {
			problem("revision %d follows %d", c.Revision, prev)
		}
		lastRevision[c.Service] = c.Revision
	}
	result.Services = len(lastRevision)
	result.OK = len(result.Problems) == 0
	return result, nil
}

func outputVerifyText(cmd *cobra.Command, result VerifyResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Verify Summary: %d commit(s) across %d service(s)\n", result.Commits, result.Services)
	for _, p := range result.Problems {
		fmt.Fprintf(w, "✗ [%d] %s: %s\n", p.Seq, p.Service, p.Message)
	}
	if result.OK {
		fmt.Fprintln(w, "✓ journal is consistent")
	}
}
