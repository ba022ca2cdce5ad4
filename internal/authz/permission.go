package authz

import (
	"fmt"

	"github.com/roach88/homesync/internal/state"
)

// Verb is the operation a permission covers.
type Verb string

const (
	VerbCreate Verb = "create"
	VerbRead   Verb = "read"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// Valid reports whether v is one of the four known verbs.
func (v Verb) Valid() bool {
	switch v {
	case VerbCreate, VerbRead, VerbUpdate, VerbDelete:
		return true
	}
	return false
}

// Scope restricts a permission to any resource or to the actor's own.
type Scope string

const (
	ScopeAny Scope = "any"
	ScopeOwn Scope = "own"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeAny || s == ScopeOwn
}

// Covers reports whether a grant with scope s satisfies a request for
// scope want. A grant on any resource also covers the actor's own.
func (s Scope) Covers(want Scope) bool {
	return s == ScopeAny || s == want
}

// Permission is a (verb, resource, scope) triple.
type Permission struct {
	Verb     Verb   `yaml:"verb" json:"verb"`
	Resource string `yaml:"resource" json:"resource"`
	Scope    Scope  `yaml:"scope" json:"scope"`
}

func (p Permission) String() string {
	return fmt.Sprintf("%s:%s:%s", p.Verb, p.Resource, p.Scope)
}

// Validate checks that the triple is well formed.
func (p Permission) Validate() error {
	if !p.Verb.Valid() {
		return fmt.Errorf("invalid verb %q", p.Verb)
	}
	if p.Resource == "" {
		return fmt.Errorf("resource is required")
	}
	if !p.Scope.Valid() {
		return fmt.Errorf("invalid scope %q", p.Scope)
	}
	return nil
}

// Filter narrows or redacts a payload according to a granted permission.
type Filter func(state.Value) state.Value

// Identity is the filter of an unrestricted grant.
func Identity(v state.Value) state.Value { return v }

// Compose chains filters in order: Compose(f1, f2)(x) == f2(f1(x)).
// Nil filters are skipped; an empty chain is Identity.
func Compose(filters ...Filter) Filter {
	chain := make([]Filter, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			chain = append(chain, f)
		}
	}
	switch len(chain) {
	case 0:
		return Identity
	case 1:
		return chain[0]
	}
	return func(v state.Value) state.Value {
		for _, f := range chain {
			v = f(v)
		}
		return v
	}
}

// Decision is an Evaluator's answer for one permission check.
type Decision struct {
	Granted bool
	// Filter is applied to payloads covered by the grant. Nil means Identity.
	Filter Filter
}

// Grant returns a granted decision with the given filter.
func Grant(f Filter) Decision { return Decision{Granted: true, Filter: f} }

// Deny returns a denied decision.
func Deny() Decision { return Decision{} }

// Evaluator answers permission checks for a role.
type Evaluator interface {
	Evaluate(role string, verb Verb, resource string, scope Scope) Decision
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(role string, verb Verb, resource string, scope Scope) Decision

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(role string, verb Verb, resource string, scope Scope) Decision {
	return f(role, verb, resource, scope)
}

// AllowAll grants every permission with the identity filter.
var AllowAll Evaluator = EvaluatorFunc(func(string, Verb, string, Scope) Decision {
	return Grant(nil)
})

// DenyAll denies every permission.
var DenyAll Evaluator = EvaluatorFunc(func(string, Verb, string, Scope) Decision {
	return Deny()
})
