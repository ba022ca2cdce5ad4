package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/state"
)

// InvokeOptions holds flags for the invoke command.
type InvokeOptions struct {
	*RootOptions
	Data string
	user userFlags
}

// NewInvokeCommand creates the invoke command.
func NewInvokeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvokeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoke <service.action>",
		Short: "Invoke one action and print its result",
		Long: `Load the configured plugins, invoke a single action and print its result.

State starts from the plugins' initial snapshots. When a journal is
configured, a committing invocation is recorded there.

Exit codes:
  0 - the action succeeded
  1 - the action was rejected or failed
  2 - command error

Examples:
  homesync invoke counter.increment
  homesync invoke lights.set --as alice --role member --data '{"room":"kitchen","on":true}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return invokeAction(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Data, "data", "", "action payload as JSON")
	opts.user.register(cmd)

	return cmd
}

func invokeAction(opts *InvokeOptions, target string, cmd *cobra.Command) error {
	service, action, err := parseTarget(target)
	if err != nil {
		return err
	}
	data, err := parseData(opts.Data)
	if err != nil {
		return err
	}
	user, err := opts.user.user()
	if err != nil {
		return err
	}

	rt, err := openRuntime(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := formatter(opts.RootOptions, cmd)
	result, err := rt.registry.Invoke(cmd.Context(), service, action, data, user)
	if err != nil {
		reply := rt.registry.Reply(err, user)
		if ferr := out.Reply(reply); ferr != nil {
			return ferr
		}
		return WrapExitError(ExitFailure, fmt.Sprintf("%s failed", target), err)
	}
	if result == nil {
		result = state.Null{}
	}
	return out.Success(result)
}

// parseTarget splits "service.action" at the first dot.
func parseTarget(target string) (string, string, error) {
	service, action, ok := strings.Cut(target, ".")
	if !ok || service == "" || action == "" {
		return "", "", NewExitError(ExitCommandError, fmt.Sprintf("invalid target %q: want service.action", target))
	}
	return service, action, nil
}

// parseData decodes a JSON payload. Empty input means no payload.
func parseData(s string) (state.Value, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	v, err := state.Parse([]byte(s))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --data JSON", err)
	}
	return v, nil
}
