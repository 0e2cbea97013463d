package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/isdmx/shellbox/sandbox"
)

// fakeGateway is an in-memory runtime. Commands understood by Exec:
// "echo <text>", "exit <code>", "sleep" (blocks until ctx is done) and
// "panic".
type fakeGateway struct {
	mu     sync.Mutex
	envs   map[string]*sandbox.Handle
	images map[string]bool
	nextID int

	creates atomic.Int32
	execs   atomic.Int32
	live    atomic.Int32 // concurrent calls inside Create/Exec for one name
	maxLive atomic.Int32

	// failure injection, keyed by operation
	errs map[string]error
	// state a started environment ends up in; empty means running
	startState string
	createHook func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		envs:   make(map[string]*sandbox.Handle),
		images: map[string]bool{"linux-sandbox:latest": true},
		errs:   make(map[string]error),
	}
}

func (f *fakeGateway) failOn(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *fakeGateway) errFor(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op]
}

// put adds an environment directly, as if another process had created it
func (f *fakeGateway) put(name, state string, labels map[string]string) sandbox.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	h := &sandbox.Handle{
		ID:     fmt.Sprintf("%064d", f.nextID),
		Name:   name,
		Image:  "linux-sandbox:latest",
		State:  state,
		Labels: labels,
	}
	f.envs[name] = h
	return *h
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.envs)
}

func (f *fakeGateway) state(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.envs[name]
	if !ok {
		return "", false
	}
	return h.State, true
}

func (f *fakeGateway) enter() func() {
	n := f.live.Add(1)
	for {
		cur := f.maxLive.Load()
		if n <= cur || f.maxLive.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { f.live.Add(-1) }
}

func (f *fakeGateway) Ping(context.Context) error {
	return f.errFor("ping")
}

func (f *fakeGateway) Get(_ context.Context, name string) (sandbox.Handle, bool, error) {
	if err := f.errFor("get"); err != nil {
		return sandbox.Handle{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.envs[name]
	if !ok {
		return sandbox.Handle{}, false, nil
	}
	return *h, true, nil
}

func (f *fakeGateway) ImageExists(_ context.Context, ref string) (bool, error) {
	if err := f.errFor("image"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeGateway) Create(_ context.Context, spec sandbox.CreateSpec) (sandbox.Handle, error) {
	defer f.enter()()
	f.creates.Add(1)
	if f.createHook != nil {
		f.createHook()
	}
	if err := f.errFor("create"); err != nil {
		return sandbox.Handle{}, err
	}

	f.mu.Lock()
	_, exists := f.envs[spec.Name]
	f.mu.Unlock()
	if exists {
		return sandbox.Handle{}, fmt.Errorf("conflict: name %s already in use", spec.Name)
	}

	h := f.put(spec.Name, "running", spec.Labels)
	return h, nil
}

func (f *fakeGateway) Start(_ context.Context, h sandbox.Handle) error {
	if err := f.errFor("start"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	env, ok := f.envs[h.Name]
	if !ok {
		return fmt.Errorf("no such container: %s", h.Name)
	}
	env.State = "running"
	if f.startState != "" {
		env.State = f.startState
	}
	return nil
}

func (f *fakeGateway) Stop(_ context.Context, h sandbox.Handle, _ time.Duration) error {
	if err := f.errFor("stop"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if env, ok := f.envs[h.Name]; ok {
		env.State = "exited"
	}
	return nil
}

func (f *fakeGateway) Remove(_ context.Context, h sandbox.Handle, _ bool) error {
	if err := f.errFor("remove"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.envs, h.Name)
	return nil
}

func (f *fakeGateway) Exec(ctx context.Context, h sandbox.Handle, spec sandbox.ExecSpec) (sandbox.ExecOutput, error) {
	defer f.enter()()
	f.execs.Add(1)
	if err := f.errFor("exec"); err != nil {
		return sandbox.ExecOutput{}, err
	}

	switch {
	case spec.Command == "panic":
		panic("exec exploded")
	case spec.Command == "sleep":
		<-ctx.Done()
		return sandbox.ExecOutput{}, fmt.Errorf("exec in %s interrupted: %w", h.Name, ctx.Err())
	case spec.Command == "pwd":
		return sandbox.ExecOutput{Output: spec.Workdir + "\n"}, nil
	case strings.HasPrefix(spec.Command, "echo "):
		out := strings.TrimPrefix(spec.Command, "echo ") + "\n"
		if spec.MaxOutputBytes > 0 && int64(len(out)) > spec.MaxOutputBytes {
			return sandbox.ExecOutput{Output: out[:spec.MaxOutputBytes], Truncated: true}, nil
		}
		return sandbox.ExecOutput{Output: out}, nil
	case strings.HasPrefix(spec.Command, "exit "):
		code, err := strconv.Atoi(strings.TrimPrefix(spec.Command, "exit "))
		if err != nil {
			return sandbox.ExecOutput{}, err
		}
		return sandbox.ExecOutput{ExitCode: code}, nil
	default:
		return sandbox.ExecOutput{}, errors.New("unknown fake command")
	}
}

func (f *fakeGateway) List(_ context.Context, labelKey string) ([]sandbox.Handle, error) {
	if err := f.errFor("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]sandbox.Handle, 0, len(f.envs))
	for _, h := range f.envs {
		if _, ok := h.Labels[labelKey]; ok {
			handles = append(handles, *h)
		}
	}
	return handles, nil
}

func (*fakeGateway) Close() error {
	return nil
}

var _ sandbox.Gateway = (*fakeGateway)(nil)

// fakeClock is a settable Clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
