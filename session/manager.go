package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

// Policy is the fixed environment policy; nothing in it is configurable per call
type Policy struct {
	Image     string // default image reference
	Limits    sandbox.Limits
	LabelKey  string
	StopGrace time.Duration
}

// Status describes a session's environment as the runtime reports it
type Status struct {
	SessionID    string
	Running      bool
	Status       sandbox.Status
	ID           string // short environment id, empty when absent
	LastActivity *time.Time
	Err          error
}

// Manager implements the environment lifecycle for single sessions.
//
// Manager does no locking of its own: callers must hold the session's lock
// from Locker for the whole call. Coordinator and Sweeper do.
type Manager struct {
	logger   *zap.Logger
	gateway  sandbox.Gateway
	registry *Registry
	namer    Namer
	policy   Policy
	metrics  *metrics.Metrics
}

// NewManager creates a Manager
func NewManager(logger *zap.Logger, gateway sandbox.Gateway, registry *Registry, namer Namer, policy Policy, m *metrics.Metrics) *Manager {
	return &Manager{
		logger:   logger.Named("manager"),
		gateway:  gateway,
		registry: registry,
		namer:    namer,
		policy:   policy,
		metrics:  m,
	}
}

// Namer returns the naming scheme in use
func (m *Manager) Namer() Namer {
	return m.namer
}

// Policy returns the environment policy in use
func (m *Manager) Policy() Policy {
	return m.policy
}

// GetOrCreate returns the running environment of sessionID, starting a
// stopped one or creating a missing one. created reports whether a new
// environment was made. An empty image uses the policy default.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, image string) (sandbox.Handle, bool, error) {
	const op = "get_or_create"

	name, err := m.namer.Name(sessionID)
	if err != nil {
		return sandbox.Handle{}, false, m.fail(newError(KindInvalidSession, op, sessionID, err))
	}
	if image == "" {
		image = m.policy.Image
	}

	h, found, err := m.gateway.Get(ctx, name)
	if err != nil {
		return sandbox.Handle{}, false, m.fail(newError(KindRuntimeFailure, op, sessionID, err))
	}

	if found {
		if h.Status() == sandbox.StatusRunning {
			m.registry.Touch(sessionID)
			return h, false, nil
		}

		started, err := m.start(ctx, sessionID, h)
		if err != nil {
			return sandbox.Handle{}, false, m.fail(err)
		}
		m.registry.Touch(sessionID)
		return started, false, nil
	}

	exists, err := m.gateway.ImageExists(ctx, image)
	if err != nil {
		return sandbox.Handle{}, false, m.fail(newError(KindCreateFailed, op, sessionID, err))
	}
	if !exists {
		return sandbox.Handle{}, false, m.fail(newError(KindImageMissing, op, sessionID,
			fmt.Errorf("image %q not found, build it with 'docker build -t %s' before use", image, image)))
	}

	h, err = m.gateway.Create(ctx, sandbox.CreateSpec{
		Name:   name,
		Image:  image,
		Limits: m.policy.Limits,
		Labels: map[string]string{m.policy.LabelKey: sessionID},
	})
	if err != nil {
		return sandbox.Handle{}, false, m.fail(newError(KindCreateFailed, op, sessionID, err))
	}
	if h.Status() != sandbox.StatusRunning {
		return sandbox.Handle{}, false, m.fail(newError(KindCreateFailed, op, sessionID,
			fmt.Errorf("environment %s is %s after create", name, h.State)))
	}

	m.registry.Touch(sessionID)
	m.metrics.EnvironmentCreated()
	m.logger.Info("created environment",
		zap.String("session_id", sessionID),
		zap.String("name", name),
		zap.String("id", h.ShortID()),
		zap.String("image", image))

	return h, true, nil
}

func (m *Manager) start(ctx context.Context, sessionID string, h sandbox.Handle) (sandbox.Handle, *Error) {
	const op = "start"

	m.logger.Info("starting stopped environment",
		zap.String("session_id", sessionID),
		zap.String("name", h.Name),
		zap.String("state", h.State))

	if err := m.gateway.Start(ctx, h); err != nil {
		return sandbox.Handle{}, newError(KindStartFailed, op, sessionID, err)
	}

	// Confirm against the runtime rather than assuming the start took effect
	started, found, err := m.gateway.Get(ctx, h.Name)
	if err != nil {
		return sandbox.Handle{}, newError(KindStartFailed, op, sessionID, err)
	}
	if !found {
		return sandbox.Handle{}, newError(KindStartFailed, op, sessionID,
			fmt.Errorf("environment %s vanished after start", h.Name))
	}
	if started.Status() != sandbox.StatusRunning {
		return sandbox.Handle{}, newError(KindStartFailed, op, sessionID,
			fmt.Errorf("environment %s is %s after start", h.Name, started.State))
	}
	return started, nil
}

// Reset destroys the session's environment, forgets its activity and creates a fresh one
func (m *Manager) Reset(ctx context.Context, sessionID, image string) (sandbox.Handle, error) {
	const op = "reset"

	name, err := m.namer.Name(sessionID)
	if err != nil {
		return sandbox.Handle{}, m.fail(newError(KindInvalidSession, op, sessionID, err))
	}

	h, found, err := m.gateway.Get(ctx, name)
	if err != nil {
		return sandbox.Handle{}, m.fail(newError(KindRemoveFailed, op, sessionID, err))
	}
	if found {
		if err := m.gateway.Remove(ctx, h, true); err != nil {
			return sandbox.Handle{}, m.fail(newError(KindRemoveFailed, op, sessionID, err))
		}
		m.logger.Info("removed environment for reset", zap.String("session_id", sessionID), zap.String("name", name))
	}

	m.registry.Remove(sessionID)

	h, _, err = m.GetOrCreate(ctx, sessionID, image)
	if err != nil {
		return sandbox.Handle{}, err
	}
	return h, nil
}

// Status reports the environment state of sessionID whether or not it has ever executed anything
func (m *Manager) Status(ctx context.Context, sessionID string) Status {
	status := Status{SessionID: sessionID, Status: sandbox.StatusAbsent}
	if t, ok := m.registry.Get(sessionID); ok {
		status.LastActivity = &t
	}

	name, err := m.namer.Name(sessionID)
	if err != nil {
		status.Status = sandbox.StatusError
		status.Err = m.fail(newError(KindInvalidSession, "status", sessionID, err))
		return status
	}

	h, found, err := m.gateway.Get(ctx, name)
	if err != nil {
		status.Status = sandbox.StatusError
		status.Err = m.fail(newError(KindRuntimeFailure, "status", sessionID, err))
		return status
	}
	if !found {
		return status
	}

	status.Status = h.Status()
	status.Running = status.Status == sandbox.StatusRunning
	status.ID = h.ShortID()
	return status
}

// Teardown stops and removes the session's environment and forgets its
// activity. An already missing environment is not an error.
func (m *Manager) Teardown(ctx context.Context, sessionID string) error {
	const op = "teardown"

	name, err := m.namer.Name(sessionID)
	if err != nil {
		return m.fail(newError(KindInvalidSession, op, sessionID, err))
	}

	h, found, err := m.gateway.Get(ctx, name)
	if err != nil {
		return m.fail(newError(KindRemoveFailed, op, sessionID, err))
	}
	if !found {
		m.registry.Remove(sessionID)
		return nil
	}

	stopErr := m.gateway.Stop(ctx, h, m.policy.StopGrace)
	if stopErr != nil {
		m.logger.Warn("stop failed, forcing removal",
			zap.String("session_id", sessionID),
			zap.String("name", name),
			zap.Error(stopErr))
	}

	if err := m.gateway.Remove(ctx, h, true); err != nil {
		if stopErr != nil {
			return m.fail(newError(KindStopFailed, op, sessionID, fmt.Errorf("%w (remove: %w)", stopErr, err)))
		}
		return m.fail(newError(KindRemoveFailed, op, sessionID, err))
	}

	m.registry.Remove(sessionID)
	m.logger.Info("tore down environment", zap.String("session_id", sessionID), zap.String("name", name))
	return nil
}

func (m *Manager) fail(err *Error) *Error {
	m.metrics.LifecycleError(string(err.Kind))
	m.logger.Warn("session operation failed",
		zap.String("kind", string(err.Kind)),
		zap.String("op", err.Op),
		zap.String("session_id", err.SessionID),
		zap.Error(err.Err))
	return err
}
