package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

// ExecRequest is one command to run in a session's environment
type ExecRequest struct {
	SessionID string
	Command   string
	Workdir   string // empty uses the configured default
	Image     string // empty uses the policy image; only consulted on create
}

// ExecResult is the outcome of Execute. Err is nil whenever the command ran,
// whatever its exit code; ExitCode is -1 when it did not.
type ExecResult struct {
	Output    string
	ExitCode  int
	Truncated bool // Output was cut at the configured limit
	Err       error
}

// CoordinatorOption defines a functional option for Coordinator
type CoordinatorOption func(*Coordinator)

// WithExecTimeout bounds a single exec call. Only the call is bounded: a
// process the runtime does not kill on disconnect keeps running in the environment.
func WithExecTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.execTimeout = d
	}
}

// WithOperationTimeout bounds lifecycle calls (create, start, reset, teardown)
func WithOperationTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.opTimeout = d
	}
}

// WithMaxOutputBytes caps the output kept from a single command
func WithMaxOutputBytes(n int64) CoordinatorOption {
	return func(c *Coordinator) {
		c.maxOutputBytes = n
	}
}

// WithDefaultWorkdir sets the workdir used when a request names none
func WithDefaultWorkdir(dir string) CoordinatorOption {
	return func(c *Coordinator) {
		c.defaultWorkdir = dir
	}
}

// Coordinator serializes all work on a session behind its lock and runs
// commands in the session's environment.
type Coordinator struct {
	logger   *zap.Logger
	manager  *Manager
	registry *Registry
	gateway  sandbox.Gateway
	locks    *Locker
	metrics  *metrics.Metrics

	execTimeout    time.Duration
	opTimeout      time.Duration
	maxOutputBytes int64
	defaultWorkdir string
}

// Default timeouts, overridden from configuration
const (
	DefaultExecTimeout      = 60 * time.Second
	DefaultOperationTimeout = 120 * time.Second
	DefaultWorkdir          = "/home/learner"
)

// NewCoordinator creates a Coordinator over manager. The locker must be the
// one shared with the Sweeper.
func NewCoordinator(logger *zap.Logger, manager *Manager, locks *Locker, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		logger:         logger.Named("coordinator"),
		manager:        manager,
		registry:       manager.registry,
		gateway:        manager.gateway,
		locks:          locks,
		metrics:        manager.metrics,
		execTimeout:    DefaultExecTimeout,
		opTimeout:      DefaultOperationTimeout,
		maxOutputBytes: sandbox.DefaultMaxOutputBytes,
		defaultWorkdir: DefaultWorkdir,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Execute runs req.Command in the session's environment, creating or
// starting the environment first. It never panics and never returns a
// half-filled result: failures are reported in ExecResult.Err.
func (c *Coordinator) Execute(ctx context.Context, req ExecRequest) (result ExecResult) {
	const op = "execute"
	started := time.Now()
	outcome := metrics.OutcomeSetup

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("recovered from panic in execute",
				zap.String("session_id", req.SessionID),
				zap.Any("panic", r),
				zap.Stack("stack"))
			outcome = metrics.OutcomeRuntime
			result = ExecResult{ExitCode: -1, Err: newError(KindRuntimeFailure, op, req.SessionID, fmt.Errorf("panic: %v", r))}
		}
		c.metrics.ObserveExec(outcome, time.Since(started))
	}()

	if err := ValidateSessionID(req.SessionID); err != nil {
		outcome = metrics.OutcomeRejected
		return ExecResult{ExitCode: -1, Err: c.manager.fail(newError(KindInvalidSession, op, req.SessionID, err))}
	}

	unlock, err := c.locks.Lock(ctx, req.SessionID)
	if err != nil {
		return ExecResult{ExitCode: -1, Err: newError(KindCanceled, op, req.SessionID, err)}
	}
	defer unlock()

	h, err := c.getOrCreate(ctx, req.SessionID, req.Image)
	if err != nil {
		return ExecResult{ExitCode: -1, Err: err}
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = c.defaultWorkdir
	}

	execCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	out, err := c.gateway.Exec(execCtx, h, sandbox.ExecSpec{
		Command:        req.Command,
		Workdir:        workdir,
		MaxOutputBytes: c.maxOutputBytes,
	})
	if err != nil {
		outcome = metrics.OutcomeRuntime
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("command exceeded %s: %w", c.execTimeout, err)
		}
		return ExecResult{ExitCode: -1, Err: c.manager.fail(newError(KindRuntimeFailure, op, req.SessionID, err))}
	}

	c.registry.Touch(req.SessionID)

	outcome = metrics.OutcomeSuccess
	if out.ExitCode != 0 {
		outcome = metrics.OutcomeNonZero
	}
	c.logger.Debug("executed command",
		zap.String("session_id", req.SessionID),
		zap.Int("exit_code", out.ExitCode),
		zap.Bool("truncated", out.Truncated),
		zap.Duration("elapsed", time.Since(started)))

	return ExecResult{Output: out.Output, ExitCode: out.ExitCode, Truncated: out.Truncated}
}

func (c *Coordinator) getOrCreate(ctx context.Context, sessionID, image string) (sandbox.Handle, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	h, _, err := c.manager.GetOrCreate(opCtx, sessionID, image)
	return h, err
}

// GetOrCreate is Manager.GetOrCreate under the session lock
func (c *Coordinator) GetOrCreate(ctx context.Context, sessionID, image string) (sandbox.Handle, bool, error) {
	unlock, err := c.lock(ctx, "get_or_create", sessionID)
	if err != nil {
		return sandbox.Handle{}, false, err
	}
	defer unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.manager.GetOrCreate(opCtx, sessionID, image)
}

// Reset is Manager.Reset under the session lock
func (c *Coordinator) Reset(ctx context.Context, sessionID, image string) (sandbox.Handle, error) {
	unlock, err := c.lock(ctx, "reset", sessionID)
	if err != nil {
		return sandbox.Handle{}, err
	}
	defer unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.manager.Reset(opCtx, sessionID, image)
}

// Status is Manager.Status under the session lock
func (c *Coordinator) Status(ctx context.Context, sessionID string) Status {
	unlock, err := c.lock(ctx, "status", sessionID)
	if err != nil {
		return Status{SessionID: sessionID, Status: sandbox.StatusError, Err: err}
	}
	defer unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.manager.Status(opCtx, sessionID)
}

// Teardown is Manager.Teardown under the session lock
func (c *Coordinator) Teardown(ctx context.Context, sessionID string) error {
	unlock, err := c.lock(ctx, "teardown", sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.manager.Teardown(opCtx, sessionID)
}

func (c *Coordinator) lock(ctx context.Context, op, sessionID string) (func(), error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, c.manager.fail(newError(KindInvalidSession, op, sessionID, err))
	}
	unlock, err := c.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, newError(KindCanceled, op, sessionID, err)
	}
	return unlock, nil
}
