package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/metrics"
	"github.com/roach88/homesync/internal/state"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Watch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve invocations read from stdin",
		Long: `Load the configured plugins and serve requests, one JSON object per line
on stdin, writing one JSON reply per line on stdout.

Requests:
  {"id":"1","invoke":"lights.set","as":"alice","role":"member","data":{"room":"kitchen","on":true}}
  {"id":"2","op":"snapshot","as":"alice","role":"member"}

Replies carry "ok" and either "result", "state" or "error". With --watch,
every commit is also announced as {"event":"commit","service":...,"revision":...}.

Commits are journaled when a journal is configured; metrics are served on
metrics_addr when set. The command stops at end of input or on SIGINT/SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "announce every commit on stdout")

	return cmd
}

// request is one line of run input.
type request struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op,omitempty"` // "invoke" (default) or "snapshot"
	Invoke string          `json:"invoke,omitempty"`
	As     string          `json:"as"`
	Role   string          `json:"role"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// response is one line of run output.
type response struct {
	ID     string                  `json:"id,omitempty"`
	OK     bool                    `json:"ok"`
	Result state.Value             `json:"result,omitempty"`
	State  map[string]state.Object `json:"state,omitempty"`
	Error  *engine.Reply           `json:"error,omitempty"`
}

// commitNotice announces a commit without its state; readers fetch a
// filtered snapshot if they need it.
type commitNotice struct {
	Event    string `json:"event"`
	Service  string `json:"service"`
	Revision int64  `json:"revision"`
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	rt, err := openRuntime(ctx, opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			rt.logger.Error("error closing journal", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			rt.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if rt.cfg.MetricsAddr != "" {
		stop := serveMetrics(rt)
		defer stop()
	}

	out := &lineWriter{enc: json.NewEncoder(cmd.OutOrStdout())}
	if opts.Watch {
		for _, name := range rt.registry.Services() {
			h, err := rt.registry.Service(name)
			if err != nil {
				return err
			}
			defer h.Subscribe(func(s engine.Snapshot) {
				out.write(rt, commitNotice{Event: "commit", Service: s.Service, Revision: s.Revision})
			})()
		}
	}

	rt.logger.Info("engine started", "services", rt.registry.Services(), "journal", rt.cfg.Journal)
	if err := serveLines(ctx, rt, cmd.InOrStdin(), out); err != nil {
		return WrapExitError(ExitFailure, "read input", err)
	}
	rt.logger.Info("engine stopped", "seq", rt.registry.Seq())
	return nil
}

// serveLines answers requests until input ends or ctx is done.
func serveLines(ctx context.Context, rt *runtime, in io.Reader, out *lineWriter) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			out.write(rt, handleLine(ctx, rt, line))
		}
	}
}

// handleLine decodes and answers one request.
func handleLine(ctx context.Context, rt *runtime, line string) response {
	var req request
	dec := json.NewDecoder(strings.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return badRequest("", fmt.Sprintf("invalid request: %v", err))
	}

	if req.As == "" || req.Role == "" {
		return badRequest(req.ID, "as and role are required")
	}
	if req.Role == authz.RoleSystem {
		return badRequest(req.ID, "the system role cannot be claimed")
	}
	user := authz.User{Username: req.As, Role: req.Role}

	switch req.Op {
	case "snapshot":
		return response{ID: req.ID, OK: true, State: rt.registry.SnapshotFor(user)}
	case "", "invoke":
	default:
		return badRequest(req.ID, fmt.Sprintf("unknown op %q", req.Op))
	}

	service, action, ok := strings.Cut(req.Invoke, ".")
	if !ok || service == "" || action == "" {
		return badRequest(req.ID, fmt.Sprintf("invalid invoke %q: want service.action", req.Invoke))
	}
	var data state.Value
	if len(req.Data) > 0 {
		v, err := state.Parse(req.Data)
		if err != nil {
			return badRequest(req.ID, fmt.Sprintf("invalid data: %v", err))
		}
		data = v
	}

	result, err := rt.registry.Invoke(ctx, service, action, data, user)
	if err != nil {
		reply := rt.registry.Reply(err, user)
		return response{ID: req.ID, Error: &reply}
	}
	if result == nil {
		result = state.Null{}
	}
	return response{ID: req.ID, OK: true, Result: result}
}

func badRequest(id, msg string) response {
	return response{ID: id, Error: &engine.Reply{
		Status:  http.StatusBadRequest,
		Code:    engine.ErrCodeBadRequest,
		Message: msg,
	}}
}

// lineWriter serializes JSON lines from the request loop and commit
// listeners.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(rt *runtime, v any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		rt.logger.Error("write reply failed", "error", err)
	}
}

// serveMetrics exposes /metrics on the configured address until the
// returned stop function is called.
func serveMetrics(rt *runtime) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(rt.gatherer))
	srv := &http.Server{
		Addr:              rt.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		rt.logger.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			rt.logger.Warn("metrics server shutdown", "error", err)
		}
	}
}
