package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/state"
)

// relay defines a "forward" action on name that invokes next.forward,
// or records a hit when next is empty.
func relay(t *testing.T, r *Registry, name, next string) *Service {
	t.Helper()
	svc := r.MustCreateService(name, nil)
	svc.DefineAction("forward").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			if next != "" {
				if _, err := ctx.Invoke(next, "forward", nil); err != nil {
					return nil, err
				}
			}
			ctx.Set("hit", state.Bool(true))
			return nil, nil
		}).
		MustRegister()
	return svc
}

// touchable defines a "touch" action on name that counts its calls.
func touchable(t *testing.T, r *Registry, name string) *Service {
	t.Helper()
	svc := r.MustCreateService(name, state.Object{"touches": state.Int(0)})
	svc.DefineAction("touch").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			n, _ := ctx.Get("touches").(state.Int)
			ctx.Set("touches", n+1)
			return nil, nil
		}).
		MustRegister()
	return svc
}

// within fails the test if fn does not return in time.
func within(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("invocation did not return")
	}
}

func TestCallChain_PushDoesNotShare(t *testing.T) {
	a, b, c := &lease{service: "a"}, &lease{service: "b"}, &lease{service: "c"}
	base := (&callChain{}).push(a)
	left := base.push(b)
	right := base.push(c)

	assert.Equal(t, []string{"a"}, base.services())
	assert.Equal(t, []string{"a", "b"}, left.services())
	assert.Equal(t, []string{"a", "c"}, right.services())
	assert.True(t, left.holds("a"))
	assert.False(t, left.holds("c"))
	require.NotNil(t, base.tree)
	assert.Same(t, base.tree, right.tree)
}

func TestCallChain_FromContext(t *testing.T) {
	assert.Equal(t, 0, chainFrom(context.Background()).depth())
	assert.Nil(t, chainFrom(context.Background()).tree)

	chain := (&callChain{}).push(&lease{service: "a"}).push(&lease{service: "b"})
	ctx := withChain(context.Background(), chain)
	assert.Equal(t, 2, chainFrom(ctx).depth())
}

func TestCallTree_HoldAfterFlush(t *testing.T) {
	r := setupRegistry(t)
	svc := setupCounter(t, r)
	tree := &callTree{}

	assert.True(t, tree.hold(svc))
	assert.True(t, tree.hold(svc))
	assert.Len(t, tree.pending, 1)

	tree.flush()
	assert.Empty(t, tree.pending)
	assert.False(t, tree.hold(svc))
}

func TestLockTable_WaitForEdges(t *testing.T) {
	locks := newLockTable()
	la, err := locks.acquire("a", "call", &callChain{})
	require.NoError(t, err)
	lb, err := locks.acquire("b", "call", &callChain{})
	require.NoError(t, err)

	// A chain holding a waits for b.
	locks.waits[&lockWait{leases: []*lease{la}, service: "b"}] = struct{}{}

	assert.False(t, locks.reaches(lb, []*lease{la}))
	assert.True(t, locks.reaches(la, []*lease{lb}))

	_, err = locks.acquire("a", "touch", &callChain{leases: []*lease{lb}})
	var ce *CallCycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"b"}, ce.Chain)
	assert.Equal(t, "a", ce.Target)

	locks.release(la)
	l, err := locks.acquire("a", "touch", &callChain{leases: []*lease{lb}})
	require.NoError(t, err)
	assert.NotSame(t, la, l)
}

func TestInvoke_SelfCallIsCycle(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	svc := relay(t, r, "hub", "hub")

	_, err := svc.Invoke(context.Background(), "forward", nil, alice)
	require.Error(t, err)
	assert.True(t, IsInternal(err))
	assert.True(t, IsCallCycle(err))
	assert.Equal(t, int64(0), svc.Revision())
}

func TestInvoke_CrossServiceCycle(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	a := relay(t, r, "a", "b")
	b := relay(t, r, "b", "c")
	relay(t, r, "c", "a")

	var err error
	within(t, func() {
		_, err = a.Invoke(context.Background(), "forward", nil, alice)
	})
	var ce *CallCycleError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, []string{"a", "b", "c"}, ce.Chain)
	assert.Equal(t, "a", ce.Target)
	assert.Contains(t, ce.Error(), "a -> b -> c -> a")

	// Nothing along the failed chain committed.
	assert.Equal(t, int64(0), a.Revision())
	assert.Equal(t, int64(0), b.Revision())
}

func TestInvoke_CycleCheckIgnoresSiblingCalls(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	counter := setupCounter(t, r)
	hub := r.MustCreateService("hub", nil)
	hub.DefineAction("twice").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			for range 2 {
				if _, err := ctx.Invoke("counter", "increment", nil); err != nil {
					return nil, err
				}
			}
			return nil, nil
		}).
		MustRegister()

	_, err := hub.Invoke(context.Background(), "twice", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, state.Int(2), counter.CurrentState()["count"])
}

func TestInvoke_PredicateMayCallOwnService(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	counter := setupCounter(t, r)
	counter.DefineAction("peek").
		EvaluatePermission(func(ctx *ActionContext, _ state.Value) error {
			_, err := ctx.Invoke("counter", "increment", nil)
			return err
		}).
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			return ctx.Get("count"), nil
		}).
		MustRegister()

	out, err := counter.Invoke(context.Background(), "peek", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, state.Int(1), out)
}

func TestInvoke_NestedPredicateCallingBackIsCycle(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	a := touchable(t, r, "a")
	a.DefineAction("call").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			return ctx.Invoke("b", "guarded", nil)
		}).
		MustRegister()
	b := r.MustCreateService("b", nil)
	b.DefineAction("guarded").
		EvaluatePermission(func(ctx *ActionContext, _ state.Value) error {
			_, err := ctx.Invoke("a", "touch", nil)
			return err
		}).
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			ctx.Set("ran", state.Bool(true))
			return nil, nil
		}).
		MustRegister()

	var err error
	within(t, func() {
		_, err = a.Invoke(context.Background(), "call", nil, alice)
	})
	require.Error(t, err)
	assert.True(t, IsCallCycle(err))
	assert.Equal(t, int64(0), a.Revision())
	assert.Equal(t, int64(0), b.Revision())

	// Outside a's handler the same predicate is fine.
	_, err = b.Invoke(context.Background(), "guarded", nil, alice)
	require.NoError(t, err)
	assert.Equal(t, state.Int(1), a.CurrentState()["touches"])
}

func TestInvoke_NestedListenerCallsBackIntoCaller(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	a := touchable(t, r, "a")
	a.DefineAction("poke").
		Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
			if _, err := ctx.Invoke("b", "touch", nil); err != nil {
				return nil, err
			}
			ctx.Set("poked", state.Bool(true))
			return nil, nil
		}).
		MustRegister()
	b := touchable(t, r, "b")

	var listenerErr error
	var seenByListener state.Object
	b.Subscribe(func(Snapshot) {
		_, listenerErr = r.Invoke(context.Background(), "a", "touch", nil, alice)
		seenByListener = a.CurrentState()
	})
	rec := &recorder{}
	a.Subscribe(rec.listen)

	var err error
	within(t, func() {
		_, err = a.Invoke(context.Background(), "poke", nil, alice)
	})
	require.NoError(t, err)
	require.NoError(t, listenerErr)

	// b's notification waited for a's commit.
	assert.Equal(t, state.Bool(true), seenByListener["poked"])
	assert.Equal(t, state.Int(1), a.CurrentState()["touches"])
	assert.Equal(t, []int64{1, 2}, rec.revisions())
}

func TestInvoke_CrossGoroutineCycle(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll))
	var rendezvous sync.WaitGroup
	rendezvous.Add(2)
	for _, pair := range [][2]string{{"a", "b"}, {"b", "a"}} {
		svc := touchable(t, r, pair[0])
		other := pair[1]
		svc.DefineAction("call").
			Handler(func(ctx *ActionContext, _ state.Value) (state.Value, error) {
				// Both handlers hold their own lock before either calls out.
				rendezvous.Done()
				rendezvous.Wait()
				return ctx.Invoke(other, "touch", nil)
			}).
			MustRegister()
	}

	errs := make([]error, 2)
	within(t, func() {
		var wg sync.WaitGroup
		for i, name := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = r.Invoke(context.Background(), name, "call", nil, alice)
			}()
		}
		wg.Wait()
	})

	var failed, cycles int
	for _, err := range errs {
		if err != nil {
			failed++
		}
		if IsCallCycle(err) {
			cycles++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, cycles)

	snap := r.Snapshot()
	total := snap["a"]["touches"].(state.Int) + snap["b"]["touches"].(state.Int)
	assert.Equal(t, state.Int(1), total)
}

func TestInvoke_MaxCallDepth(t *testing.T) {
	r := setupRegistry(t, WithEvaluator(authz.AllowAll), WithMaxCallDepth(3))
	for i := range 4 {
		next := ""
		if i < 3 {
			next = fmt.Sprintf("s%d", i+1)
		}
		relay(t, r, fmt.Sprintf("s%d", i), next)
	}

	// s1 -> s2 -> s3 is three handlers deep.
	s1, err := r.Service("s1")
	require.NoError(t, err)
	_, err = s1.Invoke(context.Background(), "forward", nil, alice)
	require.NoError(t, err)

	s0, err := r.Service("s0")
	require.NoError(t, err)
	_, err = s0.Invoke(context.Background(), "forward", nil, alice)
	var de *CallDepthError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "s3", de.Target)
	assert.Equal(t, 3, de.Depth)
	assert.Equal(t, 3, de.Limit)
	assert.True(t, IsCallDepthExceeded(err))
	assert.Equal(t, "invoke s3.forward: call depth 4 exceeds limit 3", de.Error())
}

func TestWithMaxCallDepth_IgnoresNonPositive(t *testing.T) {
	r := New(WithMaxCallDepth(0))
	assert.Equal(t, DefaultMaxCallDepth, r.maxCallDepth)
}
