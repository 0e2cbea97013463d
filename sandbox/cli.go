package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIGateway implements Gateway by shelling out to a docker-compatible CLI
// (docker or podman).
type CLIGateway struct {
	logger    *zap.Logger
	binary    string
	shell     string
	cmdRunner CommandRunner
}

// CLIGatewayOption defines a functional option for CLIGateway
type CLIGatewayOption func(*CLIGateway)

// WithCLICommandRunner sets the CommandRunner for CLIGateway
func WithCLICommandRunner(cmdRunner CommandRunner) CLIGatewayOption {
	return func(c *CLIGateway) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIGateway creates a new CLIGateway with default implementations and optional interfaces
func NewCLIGateway(logger *zap.Logger, binary, shell string, opts ...CLIGatewayOption) *CLIGateway {
	gateway := &CLIGateway{
		logger:    logger.Named(binary),
		binary:    binary,
		shell:     shell,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	// Apply options
	for _, opt := range opts {
		opt(gateway)
	}

	return gateway
}

// cliInspect is the part of `container inspect` output shared by docker and podman
type cliInspect struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	Image string `json:"Image"`
	State struct {
		Status string `json:"Status"`
	} `json:"State"`
	Config struct {
		Image  string            `json:"Image"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

func (i cliInspect) handle() Handle {
	h := Handle{
		ID:     i.ID,
		Name:   strings.TrimPrefix(i.Name, "/"),
		Image:  i.Config.Image,
		State:  i.State.Status,
		Labels: i.Config.Labels,
	}
	if h.Image == "" {
		h.Image = i.Image
	}
	return h
}

// Ping verifies the CLI can reach its daemon
func (c *CLIGateway) Ping(ctx context.Context) error {
	_, stderr, exitCode, err := c.run(ctx, "version")
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return unavailable(fmt.Errorf("%s version: %s", c.binary, strings.TrimSpace(stderr)))
	}
	return nil
}

// Get looks up a container by name
func (c *CLIGateway) Get(ctx context.Context, name string) (Handle, bool, error) {
	handles, err := c.inspect(ctx, name)
	if err != nil {
		if errors.Is(err, errCLINotFound) {
			return Handle{}, false, nil
		}
		return Handle{}, false, err
	}
	if len(handles) == 0 {
		return Handle{}, false, nil
	}
	return handles[0], true, nil
}

// ImageExists reports whether ref is present locally
func (c *CLIGateway) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, stderr, exitCode, err := c.run(ctx, "image", "inspect", ref)
	if err != nil {
		return false, err
	}
	if exitCode == 0 {
		return true, nil
	}
	if err := c.stderrError(stderr); err != nil && !errors.Is(err, errCLINotFound) {
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return false, nil
}

// Create runs a detached interactive container with the fixed limits
func (c *CLIGateway) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	args := []string{
		"run", "-d", "-t", "-i",
		"--name", spec.Name,
		"--memory", strconv.FormatInt(spec.Limits.MemoryBytes, 10),
	}
	if spec.Limits.CPUPeriod > 0 {
		args = append(args, "--cpu-period", strconv.FormatInt(spec.Limits.CPUPeriod, 10))
	}
	if spec.Limits.CPUQuota > 0 {
		args = append(args, "--cpu-quota", strconv.FormatInt(spec.Limits.CPUQuota, 10))
	}
	for key, value := range spec.Labels {
		args = append(args, "--label", key+"="+value)
	}
	args = append(args, spec.Image, c.shell)

	if err := c.mustSucceed(ctx, "creating container "+spec.Name, args...); err != nil {
		return Handle{}, err
	}

	h, found, err := c.Get(ctx, spec.Name)
	if err != nil {
		return Handle{}, err
	}
	if !found {
		return Handle{}, fmt.Errorf("container %s vanished after start", spec.Name)
	}
	return h, nil
}

// Start starts a stopped container, or unpauses a paused one
func (c *CLIGateway) Start(ctx context.Context, h Handle) error {
	if strings.EqualFold(h.State, "paused") {
		return c.mustSucceed(ctx, "unpausing container "+h.Name, "unpause", h.Name)
	}
	return c.mustSucceed(ctx, "starting container "+h.Name, "start", h.Name)
}

// Stop stops a container, killing it after grace
func (c *CLIGateway) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	err := c.mustSucceed(ctx, "stopping container "+h.Name, "stop", "-t", strconv.Itoa(int(grace.Seconds())), h.Name)
	if errors.Is(err, errCLINotFound) {
		return nil
	}
	return err
}

// Remove deletes a container
func (c *CLIGateway) Remove(ctx context.Context, h Handle, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, h.Name)

	err := c.mustSucceed(ctx, "removing container "+h.Name, args...)
	if errors.Is(err, errCLINotFound) {
		return nil
	}
	return err
}

// Exec runs spec.Command through the shell. The CLI process is killed when
// ctx is done.
func (c *CLIGateway) Exec(ctx context.Context, h Handle, spec ExecSpec) (ExecOutput, error) {
	args := []string{c.binary, "exec"}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	args = append(args, h.Name, c.shell, "-c", spec.Command)
	c.logger.Debug("running runtime command", zap.Strings("args", args))

	output, truncated, exitCode, err := c.cmdRunner.RunCombined(ctx, "", args, spec.MaxOutputBytes)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ExecOutput{}, fmt.Errorf("exec in %s interrupted: %w", h.Name, ctxErr)
	}
	if err != nil {
		return ExecOutput{}, c.runError("exec", err)
	}

	// A failure of exec itself is the only thing the CLI prints, with a
	// recognisable prefix; anything else is the command's output.
	if exitCode != 0 && isCLIFailure(output, exitCode) {
		return ExecOutput{}, fmt.Errorf("exec in %s: %w", h.Name, c.stderrError(output))
	}

	return ExecOutput{ExitCode: exitCode, Output: output, Truncated: truncated}, nil
}

// List returns every container carrying labelKey
func (c *CLIGateway) List(ctx context.Context, labelKey string) ([]Handle, error) {
	stdout, stderr, exitCode, err := c.run(ctx, "ps", "-a", "-q", "--no-trunc", "--filter", "label="+labelKey)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("listing containers: %w", c.stderrError(stderr))
	}

	ids := strings.Fields(stdout)
	if len(ids) == 0 {
		return []Handle{}, nil
	}

	handles, err := c.inspect(ctx, ids...)
	if err != nil && !errors.Is(err, errCLINotFound) {
		return nil, err
	}
	return handles, nil
}

// Close is a no-op; the CLI holds no connection
func (*CLIGateway) Close() error {
	return nil
}

var errCLINotFound = errors.New("no such object")

func (c *CLIGateway) inspect(ctx context.Context, refs ...string) ([]Handle, error) {
	args := append([]string{"container", "inspect"}, refs...)
	stdout, stderr, exitCode, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var raw []cliInspect
	if strings.TrimSpace(stdout) != "" {
		if jsonErr := json.Unmarshal([]byte(stdout), &raw); jsonErr != nil {
			return nil, fmt.Errorf("decoding %s inspect output: %w", c.binary, jsonErr)
		}
	}

	handles := make([]Handle, 0, len(raw))
	for _, r := range raw {
		handles = append(handles, r.handle())
	}

	// Inspecting several refs where one vanished fails overall but still
	// prints the rest.
	if exitCode != 0 {
		if stderrErr := c.stderrError(stderr); stderrErr != nil {
			return handles, fmt.Errorf("inspecting %s: %w", strings.Join(refs, " "), stderrErr)
		}
	}
	return handles, nil
}

func (c *CLIGateway) mustSucceed(ctx context.Context, op string, args ...string) error {
	_, stderr, exitCode, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%s: %w", op, c.stderrError(stderr))
	}
	return nil
}

func (c *CLIGateway) run(ctx context.Context, args ...string) (stdout, stderr string, exitCode int, err error) {
	cmdArgs := append([]string{c.binary}, args...)
	c.logger.Debug("running runtime command", zap.Strings("args", cmdArgs))

	stdout, stderr, exitCode, err = c.cmdRunner.RunCommand(ctx, "", cmdArgs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, exec.ErrNotFound) {
			return "", "", 0, fmt.Errorf("%s %s interrupted: %w", c.binary, args[0], ctxErr)
		}
		return "", "", 0, c.runError(args[0], err)
	}
	return stdout, stderr, exitCode, nil
}

// runError wraps a failure to run the binary at all
func (c *CLIGateway) runError(subcommand string, err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return unavailable(fmt.Errorf("%s binary not found: %w", c.binary, err))
	}
	return fmt.Errorf("running %s %s: %w", c.binary, subcommand, err)
}

// stderrError turns CLI stderr into an error, marking missing objects and
// an unreachable daemon.
func (c *CLIGateway) stderrError(stderr string) error {
	msg := strings.TrimSpace(stderr)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "no such container"),
		strings.Contains(lower, "no such object"),
		strings.Contains(lower, "no such image"),
		strings.Contains(lower, "no container with name or id"),
		strings.Contains(lower, "image not known"):
		return fmt.Errorf("%w: %s", errCLINotFound, msg)
	case strings.Contains(lower, "cannot connect to the docker daemon"),
		strings.Contains(lower, "is the docker daemon running"),
		strings.Contains(lower, "unable to connect to podman"),
		strings.Contains(lower, "connection refused"):
		return unavailable(fmt.Errorf("%s: %s", c.binary, msg))
	case msg == "":
		return fmt.Errorf("%s failed without output", c.binary)
	default:
		return fmt.Errorf("%s: %s", c.binary, msg)
	}
}

// isCLIFailure distinguishes a failure of `exec` itself from a command that
// merely exited non-zero. docker prefixes daemon errors; podman reserves 125.
func isCLIFailure(stderr string, exitCode int) bool {
	msg := strings.TrimSpace(stderr)
	if strings.HasPrefix(msg, "Error response from daemon:") {
		return true
	}
	if strings.HasPrefix(msg, "Error: No such container") || strings.HasPrefix(msg, "Error: no container with") {
		return true
	}
	return exitCode == 125 && strings.HasPrefix(msg, "Error:")
}

var _ Gateway = (*CLIGateway)(nil)
