// Package state provides the structured value model used for service
// snapshots, action payloads and action results.
//
// A Value is one of Null, Bool, Int, Float, String, Array or Object. Values
// handed out by a service are snapshots: callers that want to change one
// must Clone it first. Object keys are always iterated in sorted order so
// that JSON output and digests are stable.
//
// This package imports nothing internal; every other package builds on it.
package state
