package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
)

const testLabel = "learn-session"

type testStack struct {
	gateway     *fakeGateway
	clock       *fakeClock
	registry    *Registry
	locks       *Locker
	metrics     *metrics.Metrics
	manager     *Manager
	coordinator *Coordinator
	sweeper     *Sweeper
}

func newTestStack(t *testing.T, coordOpts ...CoordinatorOption) *testStack {
	t.Helper()
	logger := zaptest.NewLogger(t)

	s := &testStack{
		gateway: newFakeGateway(),
		clock:   newFakeClock(),
		locks:   NewLocker(),
		metrics: metrics.New(),
	}
	s.registry = NewRegistry(s.clock.Now)
	s.manager = NewManager(logger, s.gateway, s.registry, NewNamer("learn-"), Policy{
		Image:     "linux-sandbox:latest",
		Limits:    sandbox.Limits{MemoryBytes: 256 << 20, CPUPeriod: 100000, CPUQuota: 50000},
		LabelKey:  testLabel,
		StopGrace: 5 * time.Second,
	}, s.metrics)
	s.coordinator = NewCoordinator(logger, s.manager, s.locks, coordOpts...)
	s.sweeper = NewSweeper(logger, s.manager, s.locks, WithIdleTimeout(30*time.Minute))
	return s
}

func requireKind(t *testing.T, err error, want Kind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok, "not a session error: %v", err)
	assert.Equal(t, want, kind, err.Error())
}

func TestCoordinatorExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("EchoCreatesEnvironment", func(t *testing.T) {
		s := newTestStack(t)

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"})
		require.NoError(t, result.Err)
		assert.Equal(t, "hi\n", result.Output)
		assert.Equal(t, 0, result.ExitCode)

		state, ok := s.gateway.state("learn-s1")
		require.True(t, ok)
		assert.Equal(t, "running", state)

		last, ok := s.registry.Get("s1")
		require.True(t, ok)
		assert.Equal(t, s.clock.Now(), last)
		expected := `
# HELP shellbox_environments_created_total Session environments created in the runtime.
# TYPE shellbox_environments_created_total counter
shellbox_environments_created_total 1
`
		require.NoError(t, testutil.GatherAndCompare(s.metrics.Registry(), strings.NewReader(expected), "shellbox_environments_created_total"))
	})

	t.Run("NonZeroExitIsNotAnError", func(t *testing.T) {
		s := newTestStack(t)

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "exit 7"})
		require.NoError(t, result.Err)
		assert.Equal(t, "", result.Output)
		assert.Equal(t, 7, result.ExitCode)
		_, ok := s.registry.Get("s1")
		assert.True(t, ok)
	})

	t.Run("ReusesRunningEnvironment", func(t *testing.T) {
		s := newTestStack(t)

		for range 3 {
			result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo again"})
			require.NoError(t, result.Err)
		}
		assert.Equal(t, int32(1), s.gateway.creates.Load())
		assert.Equal(t, 1, s.gateway.count())
	})

	t.Run("SequentialGetOrCreate", func(t *testing.T) {
		s := newTestStack(t)

		h1, created1, err := s.coordinator.GetOrCreate(ctx, "s1", "")
		require.NoError(t, err)
		assert.True(t, created1)

		h2, created2, err := s.coordinator.GetOrCreate(ctx, "s1", "")
		require.NoError(t, err)
		assert.False(t, created2)
		assert.Equal(t, h1.ID, h2.ID)
		assert.Equal(t, h1.Name, h2.Name)
		assert.Equal(t, int32(1), s.gateway.creates.Load())
	})

	t.Run("OutputTruncated", func(t *testing.T) {
		s := newTestStack(t, WithMaxOutputBytes(4))

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hello world"})
		require.NoError(t, result.Err)
		assert.Equal(t, "hell", result.Output)
		assert.True(t, result.Truncated)
		assert.Equal(t, 0, result.ExitCode)
	})

	t.Run("StartsStoppedEnvironment", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.put("learn-s1", "exited", map[string]string{testLabel: "s1"})

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo back"})
		require.NoError(t, result.Err)
		assert.Equal(t, "back\n", result.Output)
		assert.Equal(t, int32(0), s.gateway.creates.Load())

		state, _ := s.gateway.state("learn-s1")
		assert.Equal(t, "running", state)
	})

	t.Run("DefaultWorkdir", func(t *testing.T) {
		s := newTestStack(t)

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "pwd"})
		require.NoError(t, result.Err)
		assert.Equal(t, DefaultWorkdir+"\n", result.Output)

		result = s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "pwd", Workdir: "/tmp"})
		require.NoError(t, result.Err)
		assert.Equal(t, "/tmp\n", result.Output)
	})

	t.Run("RuntimeUnavailable", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.failOn("get", fmt.Errorf("%w: dial unix /var/run/docker.sock: connect: no such file", sandbox.ErrUnavailable))

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"})
		assert.Equal(t, "", result.Output)
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindRuntimeUnavailable)
		assert.Contains(t, result.Err.Error(), "RuntimeUnavailable")

		_, ok := s.registry.Get("s1")
		assert.False(t, ok)
	})

	t.Run("ImageMissing", func(t *testing.T) {
		s := newTestStack(t)

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi", Image: "nope:latest"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindImageMissing)
		assert.Equal(t, 0, s.gateway.count())
	})

	t.Run("CreateFailed", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.failOn("create", errors.New("conflict"))

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindCreateFailed)
	})

	t.Run("ExecFailureIsRuntimeFailure", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.failOn("exec", errors.New("attach failed"))

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindRuntimeFailure)
	})

	t.Run("ExecTimeout", func(t *testing.T) {
		s := newTestStack(t, WithExecTimeout(20*time.Millisecond))

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "sleep"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindRuntimeFailure)
		assert.ErrorIs(t, result.Err, context.DeadlineExceeded)
		assert.Contains(t, result.Err.Error(), "exceeded")
	})

	t.Run("InvalidSession", func(t *testing.T) {
		s := newTestStack(t)

		result := s.coordinator.Execute(ctx, ExecRequest{SessionID: "../etc", Command: "echo hi"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindInvalidSession)
		assert.Equal(t, int32(0), s.gateway.creates.Load())
	})

	t.Run("PanicIsRecovered", func(t *testing.T) {
		s := newTestStack(t)

		var result ExecResult
		require.NotPanics(t, func() {
			result = s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "panic"})
		})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindRuntimeFailure)

		// The lock was released on the way out
		assert.Equal(t, 0, s.locks.Len())
	})

	t.Run("CanceledWhileWaitingForLock", func(t *testing.T) {
		s := newTestStack(t)
		unlock, err := s.locks.Lock(ctx, "s1")
		require.NoError(t, err)
		defer unlock()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		result := s.coordinator.Execute(waitCtx, ExecRequest{SessionID: "s1", Command: "echo hi"})
		assert.Equal(t, -1, result.ExitCode)
		requireKind(t, result.Err, KindCanceled)
	})

	t.Run("ConcurrentFirstUseCreatesOnce", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.createHook = func() { time.Sleep(5 * time.Millisecond) }

		const n = 16
		results := make([]ExecResult, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = s.coordinator.Execute(ctx, ExecRequest{SessionID: "shared", Command: "echo hi"})
			}()
		}
		wg.Wait()

		for _, result := range results {
			require.NoError(t, result.Err)
			assert.Equal(t, "hi\n", result.Output)
		}
		assert.Equal(t, int32(1), s.gateway.creates.Load())
		assert.Equal(t, 1, s.gateway.count())
		assert.Equal(t, int32(1), s.gateway.maxLive.Load())
	})

	t.Run("DistinctSessionsRunInParallel", func(t *testing.T) {
		s := newTestStack(t)

		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				result := s.coordinator.Execute(ctx, ExecRequest{SessionID: fmt.Sprintf("s%d", i), Command: "echo hi"})
				assert.NoError(t, result.Err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 8, s.gateway.count())
		assert.Equal(t, 8, s.registry.Len())
	})
}

func TestCoordinatorReset(t *testing.T) {
	ctx := context.Background()

	t.Run("RecreatesEnvironment", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)
		before, _, err := s.gateway.Get(ctx, "learn-s1")
		require.NoError(t, err)

		h, err := s.coordinator.Reset(ctx, "s1", "")
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusRunning, h.Status())
		assert.NotEqual(t, before.ID, h.ID)
		assert.Equal(t, 1, s.gateway.count())
	})

	t.Run("WithoutPriorEnvironment", func(t *testing.T) {
		s := newTestStack(t)

		h, err := s.coordinator.Reset(ctx, "fresh", "")
		require.NoError(t, err)
		assert.Equal(t, sandbox.StatusRunning, h.Status())
	})

	t.Run("RemoveFailure", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)
		s.gateway.failOn("remove", errors.New("device busy"))

		_, err := s.coordinator.Reset(ctx, "s1", "")
		requireKind(t, err, KindRemoveFailed)
	})

	t.Run("StartDoesNotReachRunning", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.put("learn-s1", "exited", map[string]string{testLabel: "s1"})
		s.gateway.startState = "exited"

		_, _, err := s.coordinator.GetOrCreate(ctx, "s1", "")
		requireKind(t, err, KindStartFailed)
	})
}

func TestCoordinatorStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("AbsentBeforeUse", func(t *testing.T) {
		s := newTestStack(t)

		status := s.coordinator.Status(ctx, "s1")
		require.NoError(t, status.Err)
		assert.Equal(t, sandbox.StatusAbsent, status.Status)
		assert.False(t, status.Running)
		assert.Nil(t, status.LastActivity)
	})

	t.Run("RunningAfterExecute", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)

		status := s.coordinator.Status(ctx, "s1")
		require.NoError(t, status.Err)
		assert.True(t, status.Running)
		assert.Equal(t, sandbox.StatusRunning, status.Status)
		assert.Len(t, status.ID, 12)
		require.NotNil(t, status.LastActivity)
		assert.Equal(t, s.clock.Now(), *status.LastActivity)
	})

	t.Run("Stopped", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.put("learn-s1", "exited", map[string]string{testLabel: "s1"})

		status := s.coordinator.Status(ctx, "s1")
		require.NoError(t, status.Err)
		assert.Equal(t, sandbox.StatusStopped, status.Status)
		assert.False(t, status.Running)
	})

	t.Run("RuntimeError", func(t *testing.T) {
		s := newTestStack(t)
		s.gateway.failOn("get", errors.New("boom"))

		status := s.coordinator.Status(ctx, "s1")
		assert.Equal(t, sandbox.StatusError, status.Status)
		requireKind(t, status.Err, KindRuntimeFailure)
	})
}

func TestCoordinatorTeardown(t *testing.T) {
	ctx := context.Background()

	t.Run("RemovesEnvironmentAndEntry", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)

		require.NoError(t, s.coordinator.Teardown(ctx, "s1"))
		assert.Equal(t, 0, s.gateway.count())
		_, ok := s.registry.Get("s1")
		assert.False(t, ok)
	})

	t.Run("MissingIsNotAnError", func(t *testing.T) {
		s := newTestStack(t)
		s.registry.Touch("ghost")

		require.NoError(t, s.coordinator.Teardown(ctx, "ghost"))
		_, ok := s.registry.Get("ghost")
		assert.False(t, ok)
	})

	t.Run("StopFailureStillRemoves", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)
		s.gateway.failOn("stop", errors.New("timeout"))

		require.NoError(t, s.coordinator.Teardown(ctx, "s1"))
		assert.Equal(t, 0, s.gateway.count())
	})

	t.Run("StopAndRemoveFailure", func(t *testing.T) {
		s := newTestStack(t)
		require.NoError(t, s.coordinator.Execute(ctx, ExecRequest{SessionID: "s1", Command: "echo hi"}).Err)
		s.gateway.failOn("stop", errors.New("timeout"))
		s.gateway.failOn("remove", errors.New("busy"))

		err := s.coordinator.Teardown(ctx, "s1")
		requireKind(t, err, KindStopFailed)
		_, ok := s.registry.Get("s1")
		assert.True(t, ok)
	})
}
