// Package plugin defines how feature modules attach services to a registry.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/state"
)

// Plugin is a feature module. Setup creates the plugin's services and
// defines their actions; it runs once, before any client invocation.
type Plugin interface {
	Name() string
	Setup(ctx *Context) error
}

// Context is the capability set handed to a plugin's Setup.
type Context struct {
	registry *engine.Registry
	name     string
	logger   *slog.Logger
	created  []string
}

// NewContext returns a Context for the plugin called name.
func NewContext(r *engine.Registry, name string) *Context {
	return &Context{
		registry: r,
		name:     name,
		logger:   r.Logger().With("plugin", name),
	}
}

// CreateService creates a service owned by the plugin.
func (c *Context) CreateService(name string, initial state.Object) (*engine.Service, error) {
	svc, err := c.registry.CreateService(name, initial)
	if err != nil {
		return nil, err
	}
	c.created = append(c.created, name)
	return svc, nil
}

// Service returns another service's public handle.
func (c *Context) Service(name string) (engine.Handle, error) {
	return c.registry.Service(name)
}

// Invoke runs an action as the system principal.
func (c *Context) Invoke(ctx context.Context, service, action string, data state.Value) (state.Value, error) {
	return c.registry.Invoke(ctx, service, action, data, authz.System)
}

// Logger returns a logger annotated with the plugin name.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Evaluator returns the registry's permission evaluator, for read filters
// that depend on grants.
func (c *Context) Evaluator() authz.Evaluator {
	return c.registry.Evaluator()
}

// Services returns the names of the services the plugin created.
func (c *Context) Services() []string {
	out := append([]string(nil), c.created...)
	sort.Strings(out)
	return out
}

// Load runs Setup for each plugin in order. It stops at the first failure;
// services created before it remain registered.
func Load(r *engine.Registry, plugins ...Plugin) error {
	seen := make(map[string]bool, len(plugins))
	for _, p := range plugins {
		name := p.Name()
		if seen[name] {
			return fmt.Errorf("plugin %q loaded twice", name)
		}
		seen[name] = true

		ctx := NewContext(r, name)
		if err := p.Setup(ctx); err != nil {
			return fmt.Errorf("plugin %s: %w", name, err)
		}
		ctx.logger.Info("plugin loaded", "services", ctx.Services())
	}
	return nil
}
