package authz

import (
	"strings"

	"github.com/roach88/homesync/internal/state"
)

// AttributeFilter builds a Filter from an attribute list.
//
//	[]                 -> Identity
//	["*"]              -> Identity
//	["*", "!token"]    -> every attribute except token
//	["name", "on"]     -> only name and on
//
// The filter applies to objects and, element-wise, to arrays of objects.
// Other values pass through unchanged. Filtered values are fresh copies.
func AttributeFilter(attrs []string) Filter {
	if len(attrs) == 0 {
		return Identity
	}
	all := false
	allow := make(map[string]bool)
	deny := make(map[string]bool)
	for _, a := range attrs {
		switch {
		case a == "*":
			all = true
		case strings.HasPrefix(a, "!"):
			deny[a[1:]] = true
		case a != "":
			allow[a] = true
		}
	}
	if all && len(deny) == 0 {
		return Identity
	}

	keep := func(key string) bool {
		if deny[key] {
			return false
		}
		return all || allow[key]
	}

	var apply Filter
	apply = func(v state.Value) state.Value {
		switch val := v.(type) {
		case state.Object:
			out := make(state.Object, len(val))
			for k, elem := range val {
				if keep(k) {
					out[k] = state.Clone(elem)
				}
			}
			return out
		case state.Array:
			out := make(state.Array, len(val))
			for i, elem := range val {
				out[i] = apply(elem)
			}
			return out
		default:
			return v
		}
	}
	return apply
}
