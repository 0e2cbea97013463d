// Package sandbox provides the gateway to the external isolation runtime.
//
// The sandbox package defines the Gateway interface through which session
// environments are created, started, stopped, removed, listed and executed
// in. Concrete gateways cover the Docker Engine API, any docker-compatible
// CLI (docker or podman), and a local directory backend for development.
// Gateways hold no session bookkeeping: the runtime they front is the source
// of truth.
//
// Usage:
//
//	gateway, err := sandbox.NewGateway(logger, cfg)
//	h, found, err := gateway.Get(ctx, "learn-s1")
//	out, err := gateway.Exec(ctx, h, sandbox.ExecSpec{
//	    Command: "echo hi",
//	    Workdir: "/home/learner",
//	})
package sandbox
