package authz

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homesync/internal/state"
)

const tableYAML = `
roles:
  guest:
    grants:
      - verb: read
        resource: "*"
        scope: any
        attributes: ["*", "!token"]
  user:
    inherits: [guest]
    grants:
      - verb: update
        resource: notes
        scope: own
  admin:
    inherits: [user]
    grants:
      - verb: update
        resource: "*"
        scope: any
`

func loadTestTable(t *testing.T) *Table {
	t.Helper()
	table, err := LoadTable(strings.NewReader(tableYAML))
	require.NoError(t, err)
	return table
}

func TestTable_Evaluate(t *testing.T) {
	table := loadTestTable(t)

	tests := []struct {
		name     string
		role     string
		verb     Verb
		resource string
		scope    Scope
		want     bool
	}{
		{"guest reads anything", "guest", VerbRead, "lights", ScopeAny, true},
		{"guest cannot update", "guest", VerbUpdate, "lights", ScopeAny, false},
		{"user inherits read", "user", VerbRead, "counter", ScopeAny, true},
		{"user updates own notes", "user", VerbUpdate, "notes", ScopeOwn, true},
		{"own grant does not cover any", "user", VerbUpdate, "notes", ScopeAny, false},
		{"admin wildcard update", "admin", VerbUpdate, "counter", ScopeAny, true},
		{"unknown role", "nobody", VerbRead, "counter", ScopeAny, false},
		{"delete never granted", "admin", VerbDelete, "counter", ScopeAny, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := table.Evaluate(tt.role, tt.verb, tt.resource, tt.scope)
			assert.Equal(t, tt.want, d.Granted)
		})
	}
}

func TestTable_FilterFromAttributes(t *testing.T) {
	table := loadTestTable(t)

	d := table.Evaluate("guest", VerbRead, "spotify", ScopeAny)
	require.True(t, d.Granted)

	got := d.Filter(state.Object{"track": state.String("song"), "token": state.String("secret")})
	assert.Equal(t, state.Object{"track": state.String("song")}, got)
}

func TestTable_GrantAndInherit(t *testing.T) {
	table := NewTable()
	require.NoError(t, table.Grant("viewer", GrantRule{Permission: Permission{VerbRead, "counter", ScopeAny}}))
	table.Inherit("editor", "viewer")

	assert.True(t, table.Evaluate("editor", VerbRead, "counter", ScopeOwn).Granted)
	assert.Equal(t, 2, table.Roles())

	err := table.Grant("viewer", GrantRule{Permission: Permission{"bogus", "counter", ScopeAny}})
	assert.Error(t, err)
}

func TestTable_InheritanceCycle(t *testing.T) {
	table := NewTable()
	table.Inherit("a", "b")
	table.Inherit("b", "a")

	assert.False(t, table.Evaluate("a", VerbRead, "x", ScopeAny).Granted)
}

func TestLoadTable_Errors(t *testing.T) {
	_, err := LoadTable(strings.NewReader("roles:\n  a:\n    inherits: [missing]\n    grants: []\n"))
	assert.ErrorContains(t, err, "unknown role")

	_, err = LoadTable(strings.NewReader("roles:\n  a:\n    grants:\n      - verb: fly\n        resource: x\n        scope: any\n"))
	assert.ErrorContains(t, err, "invalid verb")

	_, err = LoadTable(strings.NewReader("rolez: {}\n"))
	assert.Error(t, err)
}

func TestAttributeFilter(t *testing.T) {
	item := state.Object{"name": state.String("lamp"), "on": state.Bool(true), "ip": state.String("10.0.0.2")}

	tests := []struct {
		name  string
		attrs []string
		in    state.Value
		want  state.Value
	}{
		{"empty is identity", nil, item, item},
		{"star is identity", []string{"*"}, item, item},
		{"exclude", []string{"*", "!ip"}, item, state.Object{"name": state.String("lamp"), "on": state.Bool(true)}},
		{"allow list", []string{"name"}, item, state.Object{"name": state.String("lamp")}},
		{"array of objects", []string{"on"}, state.Array{item, item}, state.Array{state.Object{"on": state.Bool(true)}, state.Object{"on": state.Bool(true)}}},
		{"scalars pass through", []string{"on"}, state.Int(4), state.Int(4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AttributeFilter(tt.attrs)(tt.in))
		})
	}
}

func TestAttributeFilter_DoesNotAliasInput(t *testing.T) {
	nested := state.Object{"cfg": state.Object{"v": state.Int(1)}}
	out := AttributeFilter([]string{"cfg"})(nested).(state.Object)
	out["cfg"].(state.Object)["v"] = state.Int(2)

	assert.Equal(t, state.Int(1), nested["cfg"].(state.Object)["v"])
}
