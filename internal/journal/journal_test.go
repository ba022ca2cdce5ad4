package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/state"
	"github.com/roach88/homesync/internal/testutil"
)

var alice = authz.User{Username: "alice", Role: "user"}

func setupJournal(t *testing.T) *Journal {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path,
		WithLogger(testutil.DiscardLogger()),
		WithNow(testutil.NewStepClock(time.Unix(1700000000, 0), time.Second).Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func commit(seq int64, service string, count int) Commit {
	return Commit{
		Seq:          seq,
		InvocationID: fmt.Sprintf("inv-%d", seq),
		Service:      service,
		Action:       "increment",
		Revision:     seq,
		User:         alice,
		State:        state.Object{"count": state.Int(count)},
		CommittedAt:  time.Unix(1700000000, seq),
		Duration:     1500 * time.Microsecond,
	}
}

func TestOpen_CreatesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), commit(1, "counter", 1)))
	require.NoError(t, j.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()

	seq, err := j.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	v, err := j.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, v)
}

func TestRecord_RoundTrip(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	c := commit(1, "lights", 0)
	c.State = state.Object{
		"kitchen": state.Object{"on": state.Bool(true), "brightness": state.Int(80)},
		"level":   state.Float(0.5),
	}
	require.NoError(t, j.Record(ctx, c))

	history, err := j.History(ctx, "lights", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	got := history[0]
	assert.Equal(t, c.Seq, got.Seq)
	assert.Equal(t, c.InvocationID, got.InvocationID)
	assert.Equal(t, alice, got.User)
	assert.True(t, state.Equal(c.State, got.State), "state %v", got.State)
	assert.Equal(t, state.MustDigest(c.State), got.Digest)
	assert.Equal(t, c.CommittedAt.UnixNano(), got.CommittedAt.UnixNano())
	assert.Equal(t, c.Duration, got.Duration)
}

func TestRecord_Idempotent(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, commit(1, "counter", 1)))
	require.NoError(t, j.Record(ctx, commit(1, "counter", 1)))

	history, err := j.History(ctx, "counter", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestHistory_LimitKeepsNewestInOrder(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, j.Record(ctx, commit(i, "counter", int(i))))
	}
	require.NoError(t, j.Record(ctx, commit(6, "lights", 0)))

	history, err := j.History(ctx, "counter", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(4), history[0].Seq)
	assert.Equal(t, int64(5), history[1].Seq)

	empty, err := j.History(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestLatestAndAfter(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	require.NoError(t, j.Record(ctx, commit(1, "counter", 1)))
	require.NoError(t, j.Record(ctx, commit(2, "lights", 0)))
	require.NoError(t, j.Record(ctx, commit(3, "counter", 2)))

	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, int64(3), latest["counter"].Seq)
	assert.Equal(t, state.Int(2), latest["counter"].State["count"])

	after, err := j.After(ctx, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "lights", after[0].Service)
	assert.Equal(t, "counter", after[1].Service)
}

func TestLastSeq_Empty(t *testing.T) {
	j := setupJournal(t)
	seq, err := j.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestObserve_RecordsCommitsAndFailures(t *testing.T) {
	j := setupJournal(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 0)

	j.Observe(engine.Outcome{
		Service: "counter", Action: "increment", InvocationID: "inv-1", User: alice,
		Committed: true, Seq: 1, Revision: 1, State: state.Object{"count": state.Int(1)},
		StartedAt: start, Duration: time.Millisecond,
	})
	j.Observe(engine.Outcome{
		Service: "counter", Action: "increment", InvocationID: "inv-2",
		User: authz.User{Username: "visitor", Role: "guest"},
		Err:  &engine.PermissionDeniedError{Permission: authz.Permission{Verb: authz.VerbUpdate, Resource: "counter", Scope: authz.ScopeAny}},
	})
	j.Observe(engine.Outcome{
		Service: "counter", Action: "sync", InvocationID: "inv-3", User: alice,
		Err: &engine.HandlerError{Service: "counter", Action: "sync", InvocationID: "inv-3", Err: errors.New("disk full")},
	})
	// No-op success: nothing recorded.
	j.Observe(engine.Outcome{Service: "counter", Action: "peek", InvocationID: "inv-4", User: alice})

	history, err := j.History(ctx, "counter", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, start.Add(time.Millisecond).UnixNano(), history[0].CommittedAt.UnixNano())

	failures, err := j.Failures(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, failures, 2)
	assert.Equal(t, engine.ErrCodePermissionDenied, failures[0].Code)
	assert.Equal(t, "guest", failures[0].User.Role)
	assert.Equal(t, engine.ErrCodeInternal, failures[1].Code)
	assert.Contains(t, failures[1].Message, "disk full")
	assert.Equal(t, int64(1700000000), failures[0].FailedAt.Unix())
	assert.Equal(t, int64(1700000001), failures[1].FailedAt.Unix())

	other, err := j.Failures(ctx, "lights", 0)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestObserve_AttachedToRegistry(t *testing.T) {
	j := setupJournal(t)
	r := testutil.NewRegistry(authz.AllowAll, engine.WithObserver(j))
	svc := r.MustCreateService("counter", state.Object{"count": state.Int(0)})
	svc.DefineAction("increment").
		Handler(func(ctx *engine.ActionContext, _ state.Value) (state.Value, error) {
			n, _ := ctx.Get("count").(state.Int)
			ctx.Set("count", n+1)
			return nil, nil
		}).
		MustRegister()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := r.Invoke(ctx, "counter", "increment", nil, alice)
		require.NoError(t, err)
	}

	history, err := j.History(ctx, "counter", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, c := range history {
		assert.Equal(t, int64(i+1), c.Seq)
		assert.Equal(t, int64(i+1), c.Revision)
		assert.Equal(t, state.Int(i+1), c.State["count"])
	}
}
