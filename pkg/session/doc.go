// Package session owns live avatar sessions: per-user conversation state, the
// handler set behind it, and the process-wide registry that admits and evicts
// sessions under memory pressure.
//
// Invariants:
// - At most one session exists per identity; a second Create is rejected, never merged.
// - Closing a session cancels its context, waits for its goroutines and then releases
//   its handlers, all before the identity leaves the registry.
// - Create never evicts a processing session; only Sweep does, past the emergency threshold.
// - Eviction victims are picked and cancelled under the registry lock and torn down
//   outside it, so lookups never wait on a closing connection.
//
// Usage:
//
//	mgr, _ := session.NewManager(session.Options{Factory: factory, MemoryCeiling: 4 << 30})
//	sess, err := mgr.Create(ctx, "user-42", session.Settings{Streaming: true})
//	if errors.Is(err, session.ErrAlreadyActive) {
//		// close the new connection with 4001
//	}
//	defer mgr.RemoveSession(sess, session.ReasonDisconnect)
package session
