// Package router is the central dispatcher for agent requests.
//
// # Overview
//
// Agents never hold references to each other. Every interaction — an
// operator trigger, one agent addressing another — is a Request resolved
// through the Registry and executed by the Router, so all state mutation is
// serialized per session and observable.
//
// # Dispatch
//
//	resp := rt.Dispatch(ctx, message.NewRequest("conversion", "start_processing", payload))
//
// Dispatch guarantees:
//
//   - UNKNOWN_HANDLER when no (agent, action) pair is registered
//   - at most one state-mutating handler runs per session at a time
//   - requests for one session complete in dispatch order
//   - handler panics become HANDLER_FAILURE responses, never crashes
//   - a timed-out handler yields TIMEOUT and leaves state untouched: the
//     dispatch context is cancelled, and the session store rejects commits
//     from cancelled contexts
//
// # Re-entrant dispatch
//
// A handler may dispatch follow-up requests to the same session (the
// conversation agent driving the conversion and evaluation agents). The
// dispatch context carries a lock token so re-entry does not deadlock;
// requests for other sessions take those sessions' locks as usual.
//
// # Broadcasting
//
// Every dispatch that commits a state change publishes a state_changed
// event for passive observers. Publishing is best-effort and never blocks
// the response path.
package router
