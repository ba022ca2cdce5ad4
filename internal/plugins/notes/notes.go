// Package notes provides the notes service: short per-user notes on a
// shared board. Users see and remove their own notes; roles granted
// (read, notes, any) see everyone's.
package notes

import (
	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/state"
)

// ServiceName is the name of the service the plugin creates.
const ServiceName = "notes"

const (
	addSchema    = `text: string & =~"\\S"`
	removeSchema = `id: string & != ""`

	// ownerCondition lets admins remove any note and everyone else only
	// their own.
	ownerCondition = `user.role == "admin" || state.notes.exists(n, n.id == data.id && n.owner == user.username)`
)

// Plugin sets up the notes service.
type Plugin struct{}

// Name implements plugin.Plugin.
func (Plugin) Name() string { return "notes" }

// Setup implements plugin.Plugin.
func (Plugin) Setup(ctx *plugin.Context) error {
	svc, err := ctx.CreateService(ServiceName, state.Object{"notes": state.Array{}})
	if err != nil {
		return err
	}

	ev := ctx.Evaluator()
	svc.AddFilter(func(user authz.User, st state.Object) state.Object {
		if user.IsSystem() || ev.Evaluate(user.Role, authz.VerbRead, ServiceName, authz.ScopeAny).Granted {
			return st
		}
		st["notes"] = ownedBy(list(st), user.Username)
		return st
	})

	owner, err := authz.CompileCEL(ownerCondition)
	if err != nil {
		return err
	}

	if err := svc.DefineAction("add").
		RequirePermission(authz.VerbCreate, ServiceName, authz.ScopeOwn).
		ValidateCUE(addSchema).
		Handler(add).
		Register(); err != nil {
		return err
	}

	if err := svc.DefineAction("remove").
		RequirePermission(authz.VerbDelete, ServiceName, authz.ScopeOwn).
		RequireCondition(owner).
		ValidateCUE(removeSchema).
		Handler(remove).
		Register(); err != nil {
		return err
	}

	return svc.DefineAction("clear").
		RequirePermission(authz.VerbDelete, ServiceName, authz.ScopeAny).
		Handler(clearAll).
		Register()
}

func list(st state.Object) state.Array {
	notes, _ := st["notes"].(state.Array)
	return notes
}

func ownedBy(notes state.Array, username string) state.Array {
	out := state.Array{}
	for _, n := range notes {
		if note, ok := n.(state.Object); ok && note["owner"] == state.String(username) {
			out = append(out, note)
		}
	}
	return out
}

func add(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	note := state.Object{
		"id":    state.String(ac.InvocationID()),
		"owner": state.String(ac.User().Username),
		"text":  data.(state.Object)["text"],
	}
	notes, _ := ac.Get("notes").(state.Array)
	ac.Set("notes", append(notes, note))
	return note, nil
}

func remove(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	id := data.(state.Object)["id"]
	notes, _ := ac.Get("notes").(state.Array)

	kept := make(state.Array, 0, len(notes))
	var removed state.Value
	for _, n := range notes {
		if note, ok := n.(state.Object); ok && note["id"] == id {
			removed = note
			continue
		}
		kept = append(kept, n)
	}
	if removed == nil {
		return nil, ac.UserError("note %s not found", id)
	}
	ac.Set("notes", kept)
	return removed, nil
}

func clearAll(ac *engine.ActionContext, _ state.Value) (state.Value, error) {
	notes, _ := ac.Get("notes").(state.Array)
	if len(notes) > 0 {
		ac.Set("notes", state.Array{})
	}
	return state.Int(len(notes)), nil
}
