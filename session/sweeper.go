package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

// CandidateError is a sweep failure for one session. SessionID is empty for
// failures not tied to a session, such as the runtime scan.
type CandidateError struct {
	SessionID string
	Err       error
}

// CleanupResult reports one sweep
type CleanupResult struct {
	RemovedSessionIDs []string
	Errors            []CandidateError
}

// ActiveSession is one entry of ListActive
type ActiveSession struct {
	SessionID     string
	EnvironmentID string
	Status        sandbox.Status
	LastActivity  *time.Time // nil for environments the registry does not know
}

// ActiveList is the result of ListActive. Err reports a failed runtime scan;
// registry entries are still listed.
type ActiveList struct {
	Sessions []ActiveSession
	Count    int
	Err      error
}

// SweeperOption defines a functional option for Sweeper
type SweeperOption func(*Sweeper)

// WithIdleTimeout sets how long a session may stay idle before it is evicted
func WithIdleTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.idleTimeout = d
	}
}

// WithSweepConcurrency bounds concurrent teardowns within one sweep
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		s.concurrency = n
	}
}

// WithSweepOperationTimeout bounds each teardown
func WithSweepOperationTimeout(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		s.opTimeout = d
	}
}

// Default sweep settings
const (
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultSweepConcurrency = 4
)

// Sweeper evicts idle sessions and reconciles the registry with the runtime
type Sweeper struct {
	logger   *zap.Logger
	manager  *Manager
	registry *Registry
	gateway  sandbox.Gateway
	locks    *Locker
	metrics  *metrics.Metrics

	idleTimeout time.Duration
	concurrency int
	opTimeout   time.Duration
}

// NewSweeper creates a Sweeper sharing locks with the Coordinator
func NewSweeper(logger *zap.Logger, manager *Manager, locks *Locker, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		logger:      logger.Named("sweeper"),
		manager:     manager,
		registry:    manager.registry,
		gateway:     manager.gateway,
		locks:       locks,
		metrics:     manager.metrics,
		idleTimeout: DefaultIdleTimeout,
		concurrency: DefaultSweepConcurrency,
		opTimeout:   DefaultOperationTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.concurrency < 1 {
		s.concurrency = 1
	}

	return s
}

// IdleTimeout returns the eviction threshold
func (s *Sweeper) IdleTimeout() time.Duration {
	return s.idleTimeout
}

// CleanupExpired tears down every session idle since before now-idleTimeout
// and every environment in the naming scheme that the registry does not know.
// Each candidate is re-checked under its lock, so a session touched after the
// candidate list was built survives.
func (s *Sweeper) CleanupExpired(ctx context.Context, now time.Time) CleanupResult {
	cutoff := now.Add(-s.idleTimeout)
	snapshot := s.registry.Snapshot()

	candidates := make(map[string]struct{})
	for id, last := range snapshot {
		if last.Before(cutoff) {
			candidates[id] = struct{}{}
		}
	}

	var result CleanupResult

	handles, err := s.gateway.List(ctx, s.manager.policy.LabelKey)
	if err != nil {
		s.logger.Warn("runtime scan failed, sweeping registry entries only", zap.Error(err))
		result.Errors = append(result.Errors, CandidateError{Err: newError(KindRuntimeFailure, "list", "", err)})
	}
	for _, h := range handles {
		id, ok := s.manager.namer.SessionID(h.Name)
		if !ok {
			continue
		}
		if _, tracked := snapshot[id]; !tracked {
			candidates[id] = struct{}{}
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	for id := range candidates {
		g.Go(func() error {
			removed, err := s.evict(ctx, id, cutoff)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				result.Errors = append(result.Errors, CandidateError{SessionID: id, Err: err})
			case removed:
				result.RemovedSessionIDs = append(result.RemovedSessionIDs, id)
			}
			// Failures are collected, never allowed to stop the other teardowns
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.RemovedSessionIDs)
	sort.Slice(result.Errors, func(i, j int) bool {
		return result.Errors[i].SessionID < result.Errors[j].SessionID
	})

	s.metrics.SweepCompleted(len(result.RemovedSessionIDs))
	if len(result.RemovedSessionIDs) > 0 || len(result.Errors) > 0 {
		s.logger.Info("sweep completed",
			zap.Int("candidates", len(candidates)),
			zap.Strings("removed", result.RemovedSessionIDs),
			zap.Int("errors", len(result.Errors)))
	}

	return result
}

func (s *Sweeper) evict(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, newError(KindCanceled, "sweep", id, err)
	}
	defer unlock()

	// Touched since the snapshot: not idle any more
	if last, ok := s.registry.Get(id); ok && !last.Before(cutoff) {
		s.logger.Debug("skipping recently active session", zap.String("session_id", id))
		return false, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if err := s.manager.Teardown(opCtx, id); err != nil {
		return false, err
	}
	return true, nil
}

// ListActive reports every known session: registry entries and environments
// in the naming scheme. It changes nothing.
func (s *Sweeper) ListActive(ctx context.Context) ActiveList {
	snapshot := s.registry.Snapshot()
	byID := make(map[string]*ActiveSession, len(snapshot))

	var list ActiveList

	handles, err := s.gateway.List(ctx, s.manager.policy.LabelKey)
	if err != nil {
		list.Err = newError(KindRuntimeFailure, "list", "", err)
	}
	for _, h := range handles {
		id, ok := s.manager.namer.SessionID(h.Name)
		if !ok {
			continue
		}
		entry := &ActiveSession{
			SessionID:     id,
			EnvironmentID: h.ShortID(),
			Status:        h.Status(),
		}
		if last, tracked := snapshot[id]; tracked {
			entry.LastActivity = &last
		}
		byID[id] = entry
	}

	for id, last := range snapshot {
		if _, seen := byID[id]; seen {
			continue
		}
		byID[id] = &ActiveSession{
			SessionID:    id,
			Status:       sandbox.StatusAbsent,
			LastActivity: &last,
		}
	}

	list.Sessions = make([]ActiveSession, 0, len(byID))
	for _, entry := range byID {
		list.Sessions = append(list.Sessions, *entry)
	}
	sort.Slice(list.Sessions, func(i, j int) bool {
		return list.Sessions[i].SessionID < list.Sessions[j].SessionID
	})
	list.Count = len(list.Sessions)
	return list
}

// Run sweeps every interval until ctx is done. The clock supplies "now" for
// each sweep; nil uses time.Now.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, now Clock) {
	if interval <= 0 {
		return
	}
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("sweep loop started",
		zap.Duration("interval", interval),
		zap.Duration("idle_timeout", s.idleTimeout))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			s.CleanupExpired(ctx, now())
		}
	}
}
