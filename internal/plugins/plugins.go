// Package plugins lists the built-in plugins.
package plugins

import (
	"fmt"
	"sort"

	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/plugins/counter"
	"github.com/roach88/homesync/internal/plugins/lights"
	"github.com/roach88/homesync/internal/plugins/notes"
)

// Builtin returns every built-in plugin in load order.
func Builtin() []plugin.Plugin {
	return []plugin.Plugin{
		counter.Plugin{},
		lights.Plugin{},
		notes.Plugin{},
	}
}

// Names returns the built-in plugin names in sorted order.
func Names() []string {
	var names []string
	for _, p := range Builtin() {
		names = append(names, p.Name())
	}
	sort.Strings(names)
	return names
}

// Select returns the named built-in plugins in the given order. An empty
// list selects all of them.
func Select(names []string) ([]plugin.Plugin, error) {
	all := Builtin()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]plugin.Plugin, len(all))
	for _, p := range all {
		byName[p.Name()] = p
	}
	out := make([]plugin.Plugin, 0, len(names))
	for _, name := range names {
		p, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q (available: %v)", name, Names())
		}
		out = append(out, p)
	}
	return out, nil
}
