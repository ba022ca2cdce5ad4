// Package engine implements the homesync state synchronization engine.
//
// A Registry holds named services. Each service owns one state object,
// a set of actions and a list of subscribers. Clients change state only by
// invoking actions; every committed change is broadcast to subscribers as
// a full snapshot.
//
// INVOCATION PIPELINE:
//
// Resolve, Authorize, Validate, Execute, Commit, Emit, Return. The first
// three steps are read-only and run concurrently with other invocations.
// Execute and Commit run under the service's writer lock, so invocations
// on one service are serialized and no update is lost. Emit happens after
// the lock is released, in commit order, through a per-service outbox.
//
// STATE:
//
// Committed state is immutable once published. Handlers work on a private
// copy and change it through ActionContext.Set, Delete and Replace; the copy
// is committed only when one of them was called. Values handed out by
// CurrentState, Snapshot and listener notifications are shared and must be
// cloned before modification.
//
// PERMISSIONS:
//
// Every action first requires (update, <service>, any). Further
// requirements are permission triples checked through the registry's
// authz.Evaluator, or predicates. Granted filters are composed in
// declaration order and exposed to the handler as ActionContext.Filter;
// handlers apply it to their return value explicitly. The system
// principal bypasses triple checks but not predicates.
//
// NESTED CALLS:
//
// A handler may invoke other services through ActionContext.Invoke. Writer
// locks are taken through the registry's lock table, which knows which
// locks each call chain holds and which chains are waiting. A call that
// would wait on its own chain, directly or through other waiting chains,
// fails with CallCycleError; chains deeper than WithMaxCallDepth fail with
// CallDepthError. Notifications of nested commits are delivered once the
// outermost handler of the chain has released its lock, so listeners may
// invoke any service.
//
// ERRORS:
//
// Every failure is a typed error with a Code and an HTTP status.
// HandlerError hides the original message from callers unless the
// registry's exposure policy allows it; see Public and Registry.Reply.
package engine
