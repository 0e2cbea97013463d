// Package main is the entry point for the Shellbox MCP server.
//
// The Shellbox server gives each caller session its own long-lived sandbox
// container and runs shell commands in it. Sandboxes are created on first
// use, reused across calls, capped to a fixed memory and CPU policy, and
// evicted after a period of inactivity. Sandboxes left behind by a previous
// process are found by name and reclaimed by the sweeper.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// prometheus for metrics.
package main
