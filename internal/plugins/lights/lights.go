// Package lights provides the lights service: on/off and brightness per
// room, plus named scenes.
package lights

import (
	"github.com/roach88/homesync/internal/authz"
	"github.com/roach88/homesync/internal/engine"
	"github.com/roach88/homesync/internal/plugin"
	"github.com/roach88/homesync/internal/schema"
	"github.com/roach88/homesync/internal/state"
)

// ServiceName is the name of the service the plugin creates.
const ServiceName = "lights"

// SceneResource is the extra permission resource checked by the scene action.
const SceneResource = "lights.scene"

const (
	// A definition, so unknown fields are rejected.
	setSchema = `
#Set: {
	room:        string & != ""
	on?:         bool
	brightness?: int & >=0 & <=100
}
`
	toggleSchema = `room: string & != ""`
	sceneSchema  = `name: "off" | "evening" | "bright"`
)

type preset struct {
	on         bool
	brightness int64
}

var scenes = map[string]preset{
	"off":     {on: false, brightness: 0},
	"evening": {on: true, brightness: 35},
	"bright":  {on: true, brightness: 100},
}

// Plugin sets up the lights service for a fixed set of rooms.
type Plugin struct {
	// Rooms to create. Empty means kitchen, living and bedroom.
	Rooms []string
}

// Name implements plugin.Plugin.
func (Plugin) Name() string { return "lights" }

// Setup implements plugin.Plugin.
func (p Plugin) Setup(ctx *plugin.Context) error {
	rooms := p.Rooms
	if len(rooms) == 0 {
		rooms = []string{"kitchen", "living", "bedroom"}
	}
	initial := state.Object{}
	for _, room := range rooms {
		initial[room] = roomState(false, 100)
	}

	svc, err := ctx.CreateService(ServiceName, state.Object{"rooms": initial})
	if err != nil {
		return err
	}

	if err := svc.DefineAction("set").ValidateCUE(setSchema, schema.WithPath("#Set")).Handler(set).Register(); err != nil {
		return err
	}
	if err := svc.DefineAction("toggle").ValidateCUE(toggleSchema).Handler(toggle).Register(); err != nil {
		return err
	}
	if err := svc.DefineAction("scene").
		ValidateCUE(sceneSchema).
		RequirePermission(authz.VerbUpdate, SceneResource, authz.ScopeAny).
		Handler(scene).
		Register(); err != nil {
		return err
	}
	return svc.DefineAction("status").
		RequirePermission(authz.VerbRead, ServiceName, authz.ScopeAny).
		Handler(status).
		Register()
}

func roomState(on bool, brightness int64) state.Object {
	return state.Object{"on": state.Bool(on), "brightness": state.Int(brightness)}
}

func rooms(ac *engine.ActionContext) state.Object {
	r, _ := ac.Get("rooms").(state.Object)
	if r == nil {
		r = state.Object{}
	}
	return r
}

func lookup(ac *engine.ActionContext, all state.Object, name string) (state.Object, error) {
	room, ok := all[name].(state.Object)
	if !ok {
		return nil, ac.UserError("unknown room %q", name)
	}
	return room, nil
}

func set(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	req := data.(state.Object)
	name := string(req["room"].(state.String))

	all := rooms(ac)
	room, err := lookup(ac, all, name)
	if err != nil {
		return nil, err
	}

	next := room.Clone()
	if on, ok := req["on"].(state.Bool); ok {
		next["on"] = on
	}
	if b, ok := req["brightness"].(state.Int); ok {
		next["brightness"] = b
	}
	if state.Equal(room, next) {
		return room, nil
	}
	all[name] = next
	ac.Set("rooms", all)
	return next, nil
}

func toggle(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	name := string(data.(state.Object)["room"].(state.String))

	all := rooms(ac)
	room, err := lookup(ac, all, name)
	if err != nil {
		return nil, err
	}
	on, _ := room["on"].(state.Bool)
	room["on"] = !on
	all[name] = room
	ac.Set("rooms", all)
	return room, nil
}

func scene(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	p := scenes[string(data.(state.Object)["name"].(state.String))]

	all := rooms(ac)
	names := all.Keys()
	for _, name := range names {
		all[name] = roomState(p.on, p.brightness)
	}
	ac.Set("rooms", all)
	ac.Set("scene", data.(state.Object)["name"])
	return state.Int(len(names)), nil
}

// status returns every room as a list, or one room when data names it,
// passed through the caller's filter.
func status(ac *engine.ActionContext, data state.Value) (state.Value, error) {
	all := rooms(ac)
	req, _ := data.(state.Object)
	if name, ok := req["room"].(state.String); ok {
		room, err := lookup(ac, all, string(name))
		if err != nil {
			return nil, err
		}
		return ac.Filter(room), nil
	}

	list := make(state.Array, 0, len(all))
	for _, name := range all.Keys() {
		room := all[name].(state.Object).Clone()
		room["room"] = state.String(name)
		list = append(list, room)
	}
	return ac.Filter(list), nil
}
