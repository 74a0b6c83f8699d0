// Package session owns the mutable state aggregate for conversion sessions.
//
// # Overview
//
// Each session tracks one end-to-end attempt to take an input artifact to a
// completed or failed outcome: workflow status, validation outcome,
// conversation phase, metadata policy, accumulated metadata, transcript,
// retry counter, artifact refs, and an activity log.
//
// # Store
//
// The Store is the only holder of mutable state:
//
//	st := session.NewStore(id, persister, logger)
//
// Key operations:
//
//   - Snapshot(): immutable deep copy, safe to inspect without locking
//   - Update(ctx, fn): apply fn to a working copy; commit all-or-nothing
//   - Reset(): restore initial values, clear transcript and logs
//
// Update rejects commits once ctx is cancelled, which is how the router
// guarantees a timed-out handler leaves state untouched.
//
// # Manager
//
// The Manager tracks live sessions by ID and pairs each Store with the
// dispatch mutex the router holds while a handler runs. Sessions are fully
// independent: no shared state, no cross-session ordering.
//
// # Persistence
//
// Committed state is written through to SQLite (SQLitePersister) so a
// restarted coordinator can list and inspect past sessions. The in-memory
// state stays authoritative while the process is up; persistence failures
// are logged and never block a commit.
package session
