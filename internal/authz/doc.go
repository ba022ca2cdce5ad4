// Package authz defines the permission capability consumed by the engine
// and ships reference implementations of it.
//
// The engine never decides who may do what. It asks an Evaluator whether a
// role holds a (verb, resource, scope) permission and receives a Decision:
// a grant flag plus a Filter that narrows payloads to what the grant allows.
//
// Table is an in-memory role/grant table, loadable from YAML, whose filters
// keep or drop object attributes. CEL compiles boolean expressions over the
// acting user, the action payload and the service state; the engine turns
// a false result into a denial.
package authz
