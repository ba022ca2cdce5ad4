package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/state"
)

func TestCEL_Allow(t *testing.T) {
	cond := MustCEL(`user.role == "admin" || data.owner == user.username`)
	ctx := context.Background()

	ok, err := cond.Allow(ctx, Input{
		User: User{Username: "ana", Role: "user"},
		Data: state.Object{"owner": state.String("ana")},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cond.Allow(ctx, Input{
		User: User{Username: "bo", Role: "user"},
		Data: state.Object{"owner": state.String("ana")},
	})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cond.Allow(ctx, Input{
		User: User{Username: "root", Role: "admin"},
		Data: state.Object{"owner": state.String("ana")},
	})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_SeesState(t *testing.T) {
	cond := MustCEL(`state.count < 3`)
	ok, err := cond.Allow(context.Background(), Input{State: state.Object{"count": state.Int(2)}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_NonBoolResult(t *testing.T) {
	cond := MustCEL(`user.username`)
	_, err := cond.Allow(context.Background(), Input{User: User{Username: "ana"}})
	assert.ErrorContains(t, err, "want bool")
}

func TestCompileCEL_Errors(t *testing.T) {
	_, err := CompileCEL("")
	assert.Error(t, err)

	_, err = CompileCEL("user.role ==")
	assert.Error(t, err)

	assert.Panics(t, func() { MustCEL("(((") })
	assert.Equal(t, "true", MustCEL("true").String())
}
