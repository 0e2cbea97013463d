// Package metrics exposes prometheus instrumentation for session lifecycle
// and command execution.
//
// All recording methods are safe on a nil *Metrics, so components can be
// constructed without instrumentation in tests.
package metrics
