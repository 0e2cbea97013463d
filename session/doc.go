// Package session manages one persistent sandbox environment per caller session.
//
// The package maps opaque session ids onto runtime environments and keeps
// that mapping honest under concurrency:
//
//   - Registry records the last activity time of each session, in memory only.
//   - Locker serializes every read-then-act sequence on a single session.
//   - Manager implements get-or-create, reset, status and teardown against
//     the sandbox.Gateway, treating the runtime as the source of truth.
//   - Coordinator is the entry point for callers: it takes the session lock,
//     bounds every runtime call with a timeout and never returns a Go error,
//     only populated results.
//   - Sweeper evicts idle sessions and orphaned environments, re-validating
//     each candidate under its lock before tearing it down.
//
// Usage:
//
//	result := coordinator.Execute(ctx, session.ExecRequest{
//	    SessionID: "s1",
//	    Command:   "echo hi",
//	})
//	if result.Err != nil {
//	    // the command never ran when result.ExitCode == -1
//	}
package session
