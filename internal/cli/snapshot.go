package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/state"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	Service string
	user    userFlags
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the hydration snapshot a user would receive",
		Long: `Load the configured plugins and print every service's initial state as
seen by one user, after that user's read filters.

Examples:
  homesync snapshot
  homesync snapshot --as gina --role guest
  homesync snapshot --as gina --role guest --service lights --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSnapshot(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Service, "service", "", "only print this service")
	opts.user.register(cmd)

	return cmd
}

func printSnapshot(opts *SnapshotOptions, cmd *cobra.Command) error {
	user, err := opts.user.user()
	if err != nil {
		return err
	}
	rt, err := openRuntime(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer rt.Close()

	snap := rt.registry.SnapshotFor(user)
	out := formatter(opts.RootOptions, cmd)

	if opts.Service != "" {
		s, ok := snap[opts.Service]
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("unknown service %q", opts.Service))
		}
		return out.Success(s)
	}
	if out.isJSON() {
		return out.Success(snap)
	}

	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := state.Marshal(snap[name])
		if err != nil {
			return err
		}
		fmt.Fprintf(out.Writer, "%s: %s\n", name, b)
	}
	return nil
}
