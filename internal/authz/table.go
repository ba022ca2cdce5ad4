package authz

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// WildcardResource matches every resource in a grant.
const WildcardResource = "*"

// GrantRule is one row of a role's grant list.
type GrantRule struct {
	Permission `yaml:",inline"`
	// Attributes limits which object attributes the grant exposes.
	// "*" keeps everything, "!name" drops name, a bare name keeps only the
	// listed names. Empty means unrestricted.
	Attributes []string `yaml:"attributes,omitempty"`
}

// RoleSpec is a role's definition in a table file.
type RoleSpec struct {
	Inherits []string    `yaml:"inherits,omitempty"`
	Grants   []GrantRule `yaml:"grants"`
}

// TableFile is the YAML document accepted by LoadTable.
type TableFile struct {
	Roles map[string]RoleSpec `yaml:"roles"`
}

// Table is an in-memory role/grant table implementing Evaluator.
//
// Grants are matched in declaration order: a role's own grants first, then
// those of each inherited role depth-first. The first grant whose verb,
// resource and scope match decides the filter.
//
// Table is safe for concurrent use; Grant and Inherit may be called while
// evaluations are in flight.
type Table struct {
	mu    sync.RWMutex
	roles map[string]*RoleSpec
}

// NewTable returns an empty table. An empty table denies everything.
func NewTable() *Table {
	return &Table{roles: make(map[string]*RoleSpec)}
}

// LoadTable parses a YAML table document.
func LoadTable(r io.Reader) (*Table, error) {
	var file TableFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode permission table: %w", err)
	}
	return file.Build()
}

// Build validates the document and returns its Table.
func (f TableFile) Build() (*Table, error) {
	t := NewTable()
	for role, spec := range f.Roles {
		for i, g := range spec.Grants {
			if err := g.Permission.Validate(); err != nil {
				return nil, fmt.Errorf("role %q grant %d: %w", role, i, err)
			}
		}
		t.roles[role] = &spec
	}
	for role, spec := range t.roles {
		for _, parent := range spec.Inherits {
			if _, ok := t.roles[parent]; !ok {
				return nil, fmt.Errorf("role %q inherits unknown role %q", role, parent)
			}
		}
	}
	return t, nil
}

// LoadTableFile reads a YAML table document from path.
func LoadTableFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open permission table: %w", err)
	}
	defer f.Close()
	return LoadTable(f)
}

// Grant appends a grant to role, creating the role if needed.
func (t *Table) Grant(role string, rule GrantRule) error {
	if err := rule.Permission.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	spec := t.role(role)
	spec.Grants = append(spec.Grants, rule)
	return nil
}

// Inherit makes role inherit every grant of parent.
func (t *Table) Inherit(role, parent string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	spec := t.role(role)
	spec.Inherits = append(spec.Inherits, parent)
	t.role(parent)
}

// Roles returns the number of roles defined.
func (t *Table) Roles() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.roles)
}

func (t *Table) role(name string) *RoleSpec {
	spec, ok := t.roles[name]
	if !ok {
		spec = &RoleSpec{}
		t.roles[name] = spec
	}
	return spec
}

// Evaluate implements Evaluator.
func (t *Table) Evaluate(role string, verb Verb, resource string, scope Scope) Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rule, ok := t.match(role, verb, resource, scope, make(map[string]bool))
	if !ok {
		return Deny()
	}
	return Grant(AttributeFilter(rule.Attributes))
}

func (t *Table) match(role string, verb Verb, resource string, scope Scope, seen map[string]bool) (GrantRule, bool) {
	if seen[role] {
		return GrantRule{}, false
	}
	seen[role] = true

	spec, ok := t.roles[role]
	if !ok {
		return GrantRule{}, false
	}
	for _, g := range spec.Grants {
		if g.Verb != verb {
			continue
		}
		if g.Resource != resource && g.Resource != WildcardResource {
			continue
		}
		if !g.Scope.Covers(scope) {
			continue
		}
		return g, true
	}
	for _, parent := range spec.Inherits {
		if g, ok := t.match(parent, verb, resource, scope, seen); ok {
			return g, true
		}
	}
	return GrantRule{}, false
}
