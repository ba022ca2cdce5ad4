package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

var (
	alice = authz.User{Username: "alice", Role: "user"}
	bob   = authz.User{Username: "bob", Role: "user"}
	guest = authz.User{Username: "visitor", Role: "guest"}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// setupRegistry returns a registry with deterministic invocation IDs where
// role "user" may update the counter service.
func setupRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	table := authz.NewTable()
	require.NoError(t, table.Grant("user", authz.GrantRule{
		Permission: authz.Permission{Verb: authz.VerbUpdate, Resource: "counter", Scope: authz.ScopeAny},
	}))
	base := []Option{
		WithLogger(discardLogger()),
		WithIDGenerator(NewSequenceGenerator("inv")),
		WithEvaluator(table),
	}
	return New(append(base, opts...)...)
}

// setupCounter creates the counter service with an increment action.
func setupCounter(t *testing.T, r *Registry) *Service {
	t.Helper()
	svc, err := r.CreateService("counter", state.Object{"count": state.Int(0)})
	require.NoError(t, err)
	require.NoError(t, svc.DefineAction("increment").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			n, _ := ctx.Get("count").(state.Int)
			ctx.Set("count", n+1)
			return nil, nil
		}).
		Register())
	return svc
}

func TestRegistry_CreateService_Duplicate(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.CreateService("lights", nil)
	require.NoError(t, err)

	_, err = r.CreateService("lights", state.Object{"x": state.Int(1)})
	var dup *DuplicateNameError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "lights", dup.Name)
	assert.Equal(t, ErrCodeDuplicateService, dup.Code())
}

func TestRegistry_MustCreateService_Panics(t *testing.T) {
	r := setupRegistry(t)
	r.MustCreateService("a", nil)
	assert.Panics(t, func() { r.MustCreateService("a", nil) })
}

func TestRegistry_CreateService_CopiesInitial(t *testing.T) {
	r := setupRegistry(t)
	initial := state.Object{"count": state.Int(0)}
	svc := r.MustCreateService("counter", initial)

	initial["count"] = state.Int(99)
	assert.Equal(t, state.Int(0), svc.CurrentState()["count"])
}

func TestRegistry_CreateService_NilInitial(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("empty", nil)
	assert.Equal(t, state.Object{}, svc.CurrentState())
}

func TestRegistry_Service_Unknown(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Service("nope")

	var unknown *UnknownServiceError
	require.ErrorAs(t, err, &unknown)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, 404, unknown.Status())
}

func TestRegistry_Service_Handle(t *testing.T) {
	r := setupRegistry(t)
	setupCounter(t, r)

	h, err := r.Service("counter")
	require.NoError(t, err)
	assert.Equal(t, "counter", h.Name())

	_, isService := h.(*Service)
	assert.False(t, isService, "handle must not expose the owner API")

	_, err = h.Invoke(context.Background(), "increment", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, state.Int(1), h.CurrentState()["count"])
}

func TestRegistry_Invoke_UnknownService(t *testing.T) {
	r := setupRegistry(t)
	_, err := r.Invoke(context.Background(), "ghost", "increment", nil, alice)
	assert.True(t, IsNotFound(err))
}

func TestRegistry_Services_Sorted(t *testing.T) {
	r := setupRegistry(t)
	r.MustCreateService("notes", nil)
	r.MustCreateService("counter", nil)
	r.MustCreateService("lights", nil)
	assert.Equal(t, []string{"counter", "lights", "notes"}, r.Services())
}

func TestRegistry_Snapshot(t *testing.T) {
	r := setupRegistry(t)
	setupCounter(t, r)
	r.MustCreateService("lights", state.Object{"on": state.Bool(true)})

	_, err := r.Invoke(context.Background(), "counter", "increment", nil, alice)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, state.Int(1), snap["counter"]["count"])
	assert.Equal(t, state.Bool(true), snap["lights"]["on"])
}

func TestRegistry_SnapshotFor_AppliesReadFilters(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("secrets", state.Object{"public": state.String("p"), "token": state.String("t")})
	svc.AddFilter(func(user authz.User, st state.Object) state.Object {
		if user.Role != "admin" {
			delete(st, "token")
		}
		return st
	})

	snap := r.SnapshotFor(alice)
	assert.Equal(t, state.Object{"public": state.String("p")}, snap["secrets"])

	// The committed state is untouched by filtering.
	assert.Contains(t, svc.CurrentState(), "token")

	admin := r.SnapshotFor(authz.User{Username: "root", Role: "admin"})
	assert.Contains(t, admin["secrets"], "token")
}

func TestService_View_FilterOrder(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("s", state.Object{"trail": state.String("")})
	appendTag := func(tag string) ReadFilter {
		return func(_ authz.User, st state.Object) state.Object {
			st["trail"] = st["trail"].(state.String) + state.String(tag)
			return st
		}
	}
	svc.AddFilter(appendTag("a"))
	svc.AddFilter(appendTag("b"))

	assert.Equal(t, state.String("ab"), svc.View(alice)["trail"])
}

func TestService_DefineAction_Duplicate(t *testing.T) {
	r := setupRegistry(t)
	svc := setupCounter(t, r)

	err := svc.DefineAction("increment").
		Handler(func(*ActionContext, state.Value) (state.Value, error) { return nil, nil }).
		Register()

	var dup *DuplicateActionError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "counter", dup.Service)
	assert.Equal(t, "increment", dup.Action)
}

func TestService_DefineAction_RaceOnRegister(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("s", nil)
	noop := func(*ActionContext, state.Value) (state.Value, error) { return nil, nil }

	first := svc.DefineAction("go").Handler(noop)
	second := svc.DefineAction("go").Handler(noop)

	require.NoError(t, first.Register())
	var dup *DuplicateActionError
	assert.ErrorAs(t, second.Register(), &dup)
}

func TestActionBuilder_RegisterTwice(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("s", nil)
	b := svc.DefineAction("go").Handler(func(*ActionContext, state.Value) (state.Value, error) { return nil, nil })

	require.NoError(t, b.Register())
	var dup *DuplicateActionError
	assert.ErrorAs(t, b.Register(), &dup)
}

func TestActionBuilder_Invalid(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("s", nil)
	noop := func(*ActionContext, state.Value) (state.Value, error) { return nil, nil }

	tests := []struct {
		name    string
		builder *ActionBuilder
	}{
		{"no handler", svc.DefineAction("a")},
		{"empty name", svc.DefineAction("").Handler(noop)},
		{"bad verb", svc.DefineAction("b").Handler(noop).RequirePermission("smash", "s", authz.ScopeAny)},
		{"nil predicate", svc.DefineAction("c").Handler(noop).EvaluatePermission(nil)},
		{"bad schema", svc.DefineAction("d").Handler(noop).ValidateCUE("room: ")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var invalid *InvalidActionError
			assert.ErrorAs(t, tt.builder.Register(), &invalid)
		})
	}
	assert.Empty(t, svc.Actions())
}

func TestService_Actions_Sorted(t *testing.T) {
	r := setupRegistry(t)
	svc := r.MustCreateService("s", nil)
	noop := func(*ActionContext, state.Value) (state.Value, error) { return nil, nil }
	svc.DefineAction("toggle").Handler(noop).MustRegister()
	svc.DefineAction("set").Handler(noop).MustRegister()

	assert.Equal(t, []string{"set", "toggle"}, svc.Actions())
}

func TestRegistry_Reply_ExposurePolicy(t *testing.T) {
	table := authz.NewTable()
	require.NoError(t, table.Grant("admin", authz.GrantRule{
		Permission: authz.Permission{Verb: authz.VerbRead, Resource: ExposureResource, Scope: authz.ScopeAny},
	}))
	r := setupRegistry(t, WithEvaluator(table))

	herr := &HandlerError{Service: "s", Action: "a", InvocationID: "inv-1", Err: assert.AnError}

	assert.Equal(t, genericInternalMessage, r.Reply(herr, alice).Message)
	assert.Contains(t, r.Reply(herr, authz.User{Username: "root", Role: "admin"}).Message, assert.AnError.Error())
	assert.Contains(t, r.Reply(herr, authz.System).Message, assert.AnError.Error())
}

func TestRegistry_WithErrorExposure(t *testing.T) {
	r := setupRegistry(t, WithErrorExposure(func(u authz.User) bool { return u.Username == "alice" }))
	herr := &HandlerError{Err: assert.AnError}

	assert.Contains(t, r.Reply(herr, alice).Message, assert.AnError.Error())
	assert.Equal(t, genericInternalMessage, r.Reply(herr, bob).Message)
}
