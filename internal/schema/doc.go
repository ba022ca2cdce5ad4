// Package schema defines the validation capability consumed by the engine.
//
// A Validator checks an action payload and returns the form the handler
// should receive, which may differ from the input (defaults filled in,
// values coerced). CUE validators unify the payload with a CUE schema, so
// defaults declared as `field: int | *50` are applied during validation.
package schema
