// Package testutil holds helpers shared by package tests and the scenario
// harness: deterministic registries, quiet loggers and recorders for
// service notifications.
package testutil

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewRegistry returns a registry with a discarding logger and invocation
// IDs "inv-1", "inv-2", ... Later options override these defaults.
func NewRegistry(ev authz.Evaluator, opts ...engine.Option) *engine.Registry {
	base := []engine.Option{
		engine.WithLogger(DiscardLogger()),
		engine.WithIDGenerator(engine.NewSequenceGenerator("inv")),
		engine.WithEvaluator(ev),
	}
	return engine.New(append(base, opts...)...)
}

// MustTable parses a YAML permission table or fails the test.
func MustTable(t testing.TB, doc string) *authz.Table {
	t.Helper()
	table, err := authz.LoadTable(strings.NewReader(doc))
	require.NoError(t, err)
	return table
}

// Recorder collects the snapshots delivered to a subscriber.
//
// Thread-safety: safe for concurrent deliveries.
type Recorder struct {
	mu    sync.Mutex
	snaps []engine.Snapshot
	stop  func()
}

// Record subscribes a new Recorder to h.
func Record(h engine.Handle) *Recorder {
	rec := &Recorder{}
	rec.stop = h.Subscribe(rec.add)
	return rec
}

func (r *Recorder) add(s engine.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

// Snapshots returns a copy of everything recorded so far.
func (r *Recorder) Snapshots() []engine.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.Snapshot(nil), r.snaps...)
}

// Count returns the number of deliveries.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

// Revisions returns the revision of every delivery in order.
func (r *Recorder) Revisions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, len(r.snaps))
	for i, s := range r.snaps {
		out[i] = s.Revision
	}
	return out
}

// Stop unsubscribes the recorder. Calling it more than once is harmless.
func (r *Recorder) Stop() {
	r.stop()
}
