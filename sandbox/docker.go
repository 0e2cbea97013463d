package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerAPI is the subset of the Docker Engine client used by DockerGateway
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerUnpause(ctx context.Context, containerID string) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Close() error
}

// DockerGateway implements Gateway on the Docker Engine API
type DockerGateway struct {
	logger *zap.Logger
	client dockerAPI
	shell  string
}

// DockerGatewayOption defines a functional option for DockerGateway
type DockerGatewayOption func(*DockerGateway)

// WithDockerClient replaces the Engine API client, mainly for tests
func WithDockerClient(c dockerAPI) DockerGatewayOption {
	return func(d *DockerGateway) {
		d.client = c
	}
}

// NewDockerGateway creates a DockerGateway. An empty host uses DOCKER_HOST or the default socket.
func NewDockerGateway(logger *zap.Logger, host, shell string, opts ...DockerGatewayOption) (*DockerGateway, error) {
	gateway := &DockerGateway{
		logger: logger.Named("docker"),
		shell:  shell,
	}

	for _, opt := range opts {
		opt(gateway)
	}

	if gateway.client == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if host != "" {
			clientOpts = append(clientOpts, client.WithHost(host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating docker client: %w", err)
		}
		gateway.client = cli
	}

	return gateway, nil
}

// Ping verifies the daemon is reachable
func (d *DockerGateway) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return unavailable(fmt.Errorf("connecting to docker daemon: %w", err))
	}
	return nil
}

// Get looks up a container by name
func (d *DockerGateway) Get(ctx context.Context, name string) (Handle, bool, error) {
	resp, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return Handle{}, false, nil
		}
		return Handle{}, false, d.classify(fmt.Errorf("inspecting container %s: %w", name, err))
	}
	return handleFromInspect(resp), true, nil
}

// ImageExists reports whether ref is present locally. Images are never pulled.
func (d *DockerGateway) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := d.client.ImageInspect(ctx, ref); err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, d.classify(fmt.Errorf("inspecting image %s: %w", ref, err))
	}
	return true, nil
}

// Create creates and starts a detached interactive container
func (d *DockerGateway) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	containerConfig := &container.Config{
		Image:     spec.Image,
		Cmd:       []string{d.shell},
		Tty:       true,
		OpenStdin: true,
		Labels:    spec.Labels,
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:    spec.Limits.MemoryBytes,
			CPUPeriod: spec.Limits.CPUPeriod,
			CPUQuota:  spec.Limits.CPUQuota,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return Handle{}, d.classify(fmt.Errorf("creating container %s: %w", spec.Name, err))
	}

	for _, warning := range resp.Warnings {
		d.logger.Warn("container create warning", zap.String("name", spec.Name), zap.String("warning", warning))
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Do not leave a created-but-never-started container behind
		if rmErr := d.client.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			d.logger.Warn("failed to remove container after start failure", zap.String("name", spec.Name), zap.Error(rmErr))
		}
		return Handle{}, d.classify(fmt.Errorf("starting container %s: %w", spec.Name, err))
	}

	h, found, err := d.Get(ctx, resp.ID)
	if err != nil {
		return Handle{}, err
	}
	if !found {
		return Handle{}, fmt.Errorf("container %s vanished after start", spec.Name)
	}
	return h, nil
}

// Start starts a stopped container, or unpauses a paused one
func (d *DockerGateway) Start(ctx context.Context, h Handle) error {
	if strings.EqualFold(h.State, "paused") {
		if err := d.client.ContainerUnpause(ctx, h.ID); err != nil {
			return d.classify(fmt.Errorf("unpausing container %s: %w", h.Name, err))
		}
		return nil
	}
	if err := d.client.ContainerStart(ctx, h.ID, container.StartOptions{}); err != nil {
		return d.classify(fmt.Errorf("starting container %s: %w", h.Name, err))
	}
	return nil
}

// Stop stops a container, killing it after grace
func (d *DockerGateway) Stop(ctx context.Context, h Handle, grace time.Duration) error {
	timeout := int(grace.Seconds())
	if err := d.client.ContainerStop(ctx, h.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return d.classify(fmt.Errorf("stopping container %s: %w", h.Name, err))
	}
	return nil
}

// Remove deletes a container
func (d *DockerGateway) Remove(ctx context.Context, h Handle, force bool) error {
	if err := d.client.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: force}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return d.classify(fmt.Errorf("removing container %s: %w", h.Name, err))
	}
	return nil
}

// Exec runs spec.Command through the shell and returns the combined output.
// The hijacked stream is closed when ctx is done so a wedged daemon cannot
// hold the caller past its deadline.
func (d *DockerGateway) Exec(ctx context.Context, h Handle, spec ExecSpec) (ExecOutput, error) {
	execResp, err := d.client.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          []string{d.shell, "-c", spec.Command},
		WorkingDir:   spec.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, d.classify(fmt.Errorf("creating exec in %s: %w", h.Name, err))
	}

	attach, err := d.client.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecOutput{}, d.classify(fmt.Errorf("attaching exec in %s: %w", h.Name, err))
	}
	defer attach.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			attach.Close()
		case <-done:
		}
	}()

	output := newCappedBuffer(spec.MaxOutputBytes)
	_, copyErr := stdcopy.StdCopy(output, output, attach.Reader)
	close(done)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ExecOutput{}, fmt.Errorf("exec in %s interrupted: %w", h.Name, ctxErr)
	}
	if copyErr != nil {
		return ExecOutput{}, fmt.Errorf("reading exec output from %s: %w", h.Name, copyErr)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecOutput{}, d.classify(fmt.Errorf("inspecting exec in %s: %w", h.Name, err))
	}

	return ExecOutput{ExitCode: inspect.ExitCode, Output: output.String(), Truncated: output.Truncated()}, nil
}

// List returns every container carrying labelKey, running or not
func (d *DockerGateway) List(ctx context.Context, labelKey string) ([]Handle, error) {
	summaries, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelKey)),
	})
	if err != nil {
		return nil, d.classify(fmt.Errorf("listing containers: %w", err))
	}

	handles := make([]Handle, 0, len(summaries))
	for _, s := range summaries {
		name := ""
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		handles = append(handles, Handle{
			ID:     s.ID,
			Name:   name,
			Image:  s.Image,
			State:  string(s.State),
			Labels: s.Labels,
		})
	}
	return handles, nil
}

// Close releases the client connection
func (d *DockerGateway) Close() error {
	if err := d.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}
	return nil
}

func (*DockerGateway) classify(err error) error {
	if client.IsErrConnectionFailed(err) || errdefs.IsUnavailable(err) {
		return unavailable(err)
	}
	return err
}

func handleFromInspect(resp container.InspectResponse) Handle {
	var h Handle
	if resp.ContainerJSONBase != nil {
		h.ID = resp.ID
		h.Name = strings.TrimPrefix(resp.Name, "/")
		h.Image = resp.Image
		if resp.State != nil {
			h.State = string(resp.State.Status)
		}
	}
	if resp.Config != nil {
		h.Image = resp.Config.Image
		h.Labels = resp.Config.Labels
	}
	return h
}

var _ Gateway = (*DockerGateway)(nil)
