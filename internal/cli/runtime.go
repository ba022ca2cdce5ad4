package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/config"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/journal"
	"github.com/roach88/homesync/internal/metrics"
	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/plugins"
)

// runtime is a registry assembled from configuration: permission table,
// plugins, metrics and, when requested, the commit journal.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *engine.Registry
	journal  *journal.Journal
	gatherer *prometheus.Registry
}

// loadConfig reads --config, or the first default config file in the
// working directory. No config file at all means defaults.
func loadConfig(opts *RootOptions) (config.Config, error) {
	path := opts.Config
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, WrapExitError(ExitCommandError, "locate config", err)
		}
		if path = config.Find(wd); path == "" {
			return config.Config{}.Defaults(), nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg.Defaults(), nil
}

// newLogger builds the process logger: a text handler on w at the
// configured level, or debug with --verbose.
func newLogger(w io.Writer, opts *RootOptions, cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// openRuntime assembles a registry. With persistent set and a journal
// configured, commits are journaled and sequence numbers continue from the
// journal's last entry.
func openRuntime(ctx context.Context, opts *RootOptions, stderr io.Writer, persistent bool) (*runtime, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(stderr, opts, cfg)
	if err != nil {
		return nil, err
	}

	var evaluator authz.Evaluator = authz.DenyAll
	if cfg.Permissions != "" {
		table, err := authz.LoadTableFile(cfg.Permissions)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load permissions", err)
		}
		logger.Debug("permissions loaded", "path", cfg.Permissions, "roles", table.Roles())
		evaluator = table
	} else {
		logger.Warn("no permission table configured, only the system user may invoke actions")
	}

	selected, err := plugins.Select(cfg.Plugins)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "select plugins", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, gatherer: prometheus.NewRegistry()}
	collector, err := metrics.New(rt.gatherer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	engineOpts := []engine.Option{
		engine.WithEvaluator(evaluator),
		engine.WithLogger(logger),
		engine.WithObserver(collector),
	}

	if persistent && cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal, journal.WithLogger(logger))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open journal", err)
		}
		last, err := j.LastSeq(ctx)
		if err != nil {
			j.Close()
			return nil, WrapExitError(ExitCommandError, "open journal", err)
		}
		logger.Debug("journal opened", "path", cfg.Journal, "last_seq", last)
		rt.journal = j
		engineOpts = append(engineOpts, engine.WithObserver(j), engine.WithClock(engine.NewClockAt(last)))
	}

	rt.registry = engine.New(engineOpts...)
	if err := plugin.Load(rt.registry, selected...); err != nil {
		rt.Close()
		return nil, WrapExitError(ExitCommandError, "load plugins", err)
	}
	return rt, nil
}

// Close releases the journal, if any.
func (rt *runtime) Close() error {
	if rt.journal == nil {
		return nil
	}
	return rt.journal.Close()
}

// openJournal opens an existing journal for reading: the --journal flag
// when set, the configured journal otherwise.
func openJournal(opts *RootOptions, path string) (*journal.Journal, error) {
	if path == "" {
		cfg, err := loadConfig(opts)
		if err != nil {
			return nil, err
		}
		path = cfg.Journal
	}
	if path == "" {
		return nil, NewExitError(ExitCommandError, "no journal configured: set journal in the config file or pass --journal")
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("journal not found: %s", path))
	}
	j, err := journal.Open(path, journal.WithLogger(slog.New(slog.DiscardHandler)))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open journal", err)
	}
	return j, nil
}

// userFlags registers --as and --role on cmd.
type userFlags struct {
	name string
	role string
}

func (u *userFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&u.name, "as", "", "acting username (default: the system user)")
	cmd.Flags().StringVar(&u.role, "role", "", "role of the acting user")
}

// user returns the acting principal. Neither flag set means the system
// user; a name needs a role.
func (u *userFlags) user() (authz.User, error) {
	if u.name == "" && u.role == "" {
		return authz.System, nil
	}
	if u.name == "" || u.role == "" {
		return authz.User{}, NewExitError(ExitCommandError, "--as and --role must be given together")
	}
	return authz.User{Username: u.name, Role: u.role}, nil
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
