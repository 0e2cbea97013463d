// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the session sandbox service as MCP tools using
// the mark3labs/mcp-go library: execute_command, sandbox_status,
// reset_sandbox, cleanup_expired and list_sessions. Every tool answers with a
// JSON document in a single text content block.
//
// Commands are screened against the configured denylist before they reach
// the session coordinator. A call to execute_command without a session_id is
// given a fresh one, which is returned to the caller for reuse.
//
// The server supports both stdio and HTTP transports as configured by the
// application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, coordinator, sweeper)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
