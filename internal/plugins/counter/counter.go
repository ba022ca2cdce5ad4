// Package counter provides the counter service: a single shared integer.
package counter

import (
	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/state"
)

// ServiceName is the name of the service the plugin creates.
const ServiceName = "counter"

const addSchema = `amount: int | *1`

// Plugin sets up the counter service.
type Plugin struct{}

// Name implements plugin.Plugin.
func (Plugin) Name() string { return "counter" }

// Setup implements plugin.Plugin.
//
// Actions:
//
//	increment          count += 1
//	add {amount}       count += amount (default 1)
//	reset              count = 0, also requires (delete, counter, any)
func (Plugin) Setup(ctx *plugin.Context) error {
	svc, err := ctx.CreateService(ServiceName, state.Object{"count": state.Int(0)})
	if err != nil {
		return err
	}

	if err := svc.DefineAction("increment").
		Handler(func(ac *engine.ActionContext, _ state.Value) (state.Value, error) {
			next := count(ac) + 1
			ac.Set("count", next)
			return next, nil
		}).
		Register(); err != nil {
		return err
	}

	if err := svc.DefineAction("add").
		ValidateCUE(addSchema).
		Handler(func(ac *engine.ActionContext, data state.Value) (state.Value, error) {
			amount := data.(state.Object)["amount"].(state.Int)
			if amount == 0 {
				return count(ac), nil
			}
			next := count(ac) + amount
			ac.Set("count", next)
			return next, nil
		}).
		Register(); err != nil {
		return err
	}

	return svc.DefineAction("reset").
		RequirePermission(authz.VerbDelete, ServiceName, authz.ScopeAny).
		Handler(func(ac *engine.ActionContext, _ state.Value) (state.Value, error) {
			if count(ac) == 0 {
				return state.Int(0), nil
			}
			ac.Set("count", state.Int(0))
			ac.Logger().Info("counter reset")
			return state.Int(0), nil
		}).
		Register()
}

func count(ac *engine.ActionContext) state.Int {
	n, _ := ac.Get("count").(state.Int)
	return n
}
