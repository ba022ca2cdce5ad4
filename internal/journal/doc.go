// Package journal persists committed state changes and failed invocations
// to SQLite.
//
// A Journal is attached to a registry as an engine.Observer. Commits are
// keyed by the registry's commit sequence, so the table order is the global
// commit order. The latest row per service can seed a restarted registry.
package journal
