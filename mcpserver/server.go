package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

// SessionExecutor runs commands and lifecycle calls for one session at a time
type SessionExecutor interface {
	Execute(ctx context.Context, req session.ExecRequest) session.ExecResult
	Status(ctx context.Context, sessionID string) session.Status
	Reset(ctx context.Context, sessionID, image string) (sandbox.Handle, error)
}

// SessionSweeper evicts idle sessions and lists known ones
type SessionSweeper interface {
	CleanupExpired(ctx context.Context, now time.Time) session.CleanupResult
	ListActive(ctx context.Context) session.ActiveList
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   SessionExecutor
	sweeper    SessionSweeper
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	now        func() time.Time
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor SessionExecutor, sweeper SessionSweeper) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		sweeper:  sweeper,
		now:      time.Now,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.Int("server.blocked_commands", len(s.config.Server.BlockedCommands)),
		zap.String("sandbox.backend", s.config.Sandbox.Backend),
		zap.String("sandbox.image", s.config.Sandbox.Image),
		zap.String("sandbox.name_prefix", s.config.Sandbox.NamePrefix),
		zap.String("sandbox.memory", s.config.Sandbox.Memory),
		zap.Int64("sandbox.cpu_quota", s.config.Sandbox.CPUQuota),
		zap.Int("sandbox.exec_timeout_sec", s.config.Sandbox.ExecTimeoutSec),
		zap.Int("session.idle_timeout_min", s.config.Session.IdleTimeoutMin),
		zap.Int("session.sweep_interval_sec", s.config.Session.SweepIntervalSec),
		zap.Bool("metrics.enabled", s.config.Metrics.Enabled),
	)

	// Create the MCP server
	s.mcpServer = server.NewMCPServer("shellbox", "Per-session sandboxed shell execution",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func (s *MCPServer) registerTools() {
	sessionIDProp := map[string]any{
		"type":        "string",
		"description": "Caller session token; the environment is reused across calls with the same token",
	}
	imageProp := map[string]any{
		"type":        "string",
		"description": "Image for a newly created environment (optional, defaults to the configured image)",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "execute_command",
		Description: "Run a shell command in the session's sandbox, creating the sandbox on first use",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command line",
				},
				"workdir": map[string]any{
					"type":        "string",
					"description": "Working directory inside the sandbox (optional)",
				},
				"image": imageProp,
			},
			Required: []string{"command"},
		},
	}, s.handleExecuteCommand)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "sandbox_status",
		Description: "Report the state of the session's sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"session_id": sessionIDProp},
		},
	}, s.handleSandboxStatus)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "reset_sandbox",
		Description: "Destroy the session's sandbox and start a fresh one",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"session_id": sessionIDProp,
				"image":      imageProp,
			},
			Required: []string{"session_id"},
		},
	}, s.handleResetSandbox)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "cleanup_expired",
		Description: "Remove sandboxes idle past the configured timeout and orphaned sandboxes",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleCleanupExpired)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List known sessions and their sandboxes",
		InputSchema: mcp.ToolInputSchema{Type: "object", Properties: map[string]any{}},
	}, s.handleListSessions)
}

type executeResponse struct {
	SessionID string  `json:"session_id"`
	Output    string  `json:"output"`
	ExitCode  int     `json:"exit_code"`
	Truncated bool    `json:"truncated,omitempty"`
	Error     *string `json:"error"`
}

func (s *MCPServer) handleExecuteCommand(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return nil, fmt.Errorf("command parameter is required: %w", err)
	}

	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		sessionID = newSessionID()
		s.logger.Info("minted session id", zap.String("session_id", sessionID))
	}

	command = strings.TrimSpace(command)
	if command == "" {
		return s.executeResult(executeResponse{SessionID: sessionID, ExitCode: -1, Error: ptr("No command provided")})
	}
	if blocked := s.blockedBy(command); blocked != "" {
		s.logger.Warn("blocked command rejected",
			zap.String("session_id", sessionID),
			zap.String("pattern", blocked))
		return s.executeResult(executeResponse{
			SessionID: sessionID,
			ExitCode:  -1,
			Error:     ptr("This command is not allowed in the sandbox"),
		})
	}

	s.logger.Info("executing command",
		zap.String("session_id", sessionID),
		zap.Int("command_len", len(command)))

	result := s.executor.Execute(ctx, session.ExecRequest{
		SessionID: sessionID,
		Command:   command,
		Workdir:   request.GetString("workdir", ""),
		Image:     request.GetString("image", ""),
	})

	resp := executeResponse{SessionID: sessionID, Output: result.Output, ExitCode: result.ExitCode, Truncated: result.Truncated}
	if result.Err != nil {
		resp.Error = ptr(result.Err.Error())
		s.logger.Error("command execution failed", zap.String("session_id", sessionID), zap.Error(result.Err))
	} else {
		s.logger.Info("command execution completed",
			zap.String("session_id", sessionID),
			zap.Int("exit_code", result.ExitCode),
			zap.Int("output_len", len(result.Output)),
			zap.Bool("truncated", result.Truncated))
	}
	return s.executeResult(resp)
}

func (s *MCPServer) executeResult(resp executeResponse) (*mcp.CallToolResult, error) {
	return jsonResult(resp, resp.Error != nil)
}

type statusResponse struct {
	SessionID    string  `json:"session_id,omitempty"`
	Running      bool    `json:"running"`
	Status       string  `json:"status"`
	ID           *string `json:"id"`
	LastActivity *string `json:"last_activity"`
	Error        string  `json:"error,omitempty"`
}

func (s *MCPServer) handleSandboxStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := request.GetString("session_id", "")
	if sessionID == "" {
		return jsonResult(statusResponse{Status: "no_session"}, false)
	}

	status := s.executor.Status(ctx, sessionID)
	resp := statusResponse{
		SessionID:    sessionID,
		Running:      status.Running,
		Status:       string(status.Status),
		LastActivity: formatTime(status.LastActivity),
	}
	if status.ID != "" {
		resp.ID = ptr(status.ID)
	}
	if status.Err != nil {
		resp.Error = status.Err.Error()
	}
	return jsonResult(resp, status.Err != nil)
}

type resetResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *MCPServer) handleResetSandbox(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return nil, fmt.Errorf("session_id parameter is required: %w", err)
	}

	h, err := s.executor.Reset(ctx, sessionID, request.GetString("image", ""))
	if err != nil {
		s.logger.Error("sandbox reset failed", zap.String("session_id", sessionID), zap.Error(err))
		return jsonResult(resetResponse{Success: false, Error: err.Error()}, true)
	}

	s.logger.Info("sandbox reset", zap.String("session_id", sessionID), zap.String("id", h.ShortID()))
	return jsonResult(resetResponse{Success: true, Message: "Sandbox reset successfully"}, false)
}

type cleanupError struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

type cleanupResponse struct {
	RemovedCount      int            `json:"removed_count"`
	RemovedSessionIDs []string       `json:"removed_session_ids"`
	Errors            []cleanupError `json:"errors"`
}

func (s *MCPServer) handleCleanupExpired(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result := s.sweeper.CleanupExpired(ctx, s.now())

	resp := cleanupResponse{
		RemovedCount:      len(result.RemovedSessionIDs),
		RemovedSessionIDs: result.RemovedSessionIDs,
		Errors:            make([]cleanupError, 0, len(result.Errors)),
	}
	if resp.RemovedSessionIDs == nil {
		resp.RemovedSessionIDs = []string{}
	}
	for _, e := range result.Errors {
		resp.Errors = append(resp.Errors, cleanupError{SessionID: e.SessionID, Error: e.Err.Error()})
	}

	s.logger.Info("cleanup requested",
		zap.Int("removed", resp.RemovedCount),
		zap.Int("errors", len(resp.Errors)))
	return jsonResult(resp, false)
}

type sessionEntry struct {
	SessionID     string  `json:"session_id"`
	EnvironmentID *string `json:"environment_id"`
	Status        string  `json:"status"`
	LastActivity  *string `json:"last_activity"`
}

type listResponse struct {
	Sessions []sessionEntry `json:"sessions"`
	Count    int            `json:"count"`
	Error    string         `json:"error,omitempty"`
}

func (s *MCPServer) handleListSessions(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.sweeper.ListActive(ctx)

	resp := listResponse{Sessions: make([]sessionEntry, 0, len(list.Sessions)), Count: list.Count}
	for _, active := range list.Sessions {
		entry := sessionEntry{
			SessionID:    active.SessionID,
			Status:       string(active.Status),
			LastActivity: formatTime(active.LastActivity),
		}
		if active.EnvironmentID != "" {
			entry.EnvironmentID = ptr(active.EnvironmentID)
		}
		resp.Sessions = append(resp.Sessions, entry)
	}
	if list.Err != nil {
		resp.Error = list.Err.Error()
	}
	return jsonResult(resp, list.Err != nil)
}

// blockedBy returns the denylist entry contained in command, if any
func (s *MCPServer) blockedBy(command string) string {
	for _, blocked := range s.config.Server.BlockedCommands {
		if blocked != "" && strings.Contains(command, blocked) {
			return blocked
		}
	}
	return ""
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func newSessionID() string {
	return uuid.NewString()[:8]
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	return ptr(t.UTC().Format(time.RFC3339Nano))
}

func ptr[T any](v T) *T {
	return &v
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
