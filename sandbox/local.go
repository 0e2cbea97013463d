package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LocalGateway implements Gateway with plain host directories (for development only).
//
// Each environment is a directory under root holding a metadata file and a
// filesystem tree that commands run in. There is no isolation and no
// resource capping: limits are recorded but not enforced.
type LocalGateway struct {
	logger    *zap.Logger
	root      string
	shell     string
	cmdRunner CommandRunner
	fs        FileSystem

	mu sync.Mutex // guards metadata read-modify-write
}

// LocalGatewayOption defines a functional option for LocalGateway
type LocalGatewayOption func(*LocalGateway)

// WithLocalCommandRunner sets the CommandRunner for LocalGateway
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalGatewayOption {
	return func(l *LocalGateway) {
		l.cmdRunner = cmdRunner
	}
}

// WithLocalFileSystem sets the FileSystem for LocalGateway
func WithLocalFileSystem(fs FileSystem) LocalGatewayOption {
	return func(l *LocalGateway) {
		l.fs = fs
	}
}

// NewLocalGateway creates a LocalGateway rooted at root, or under the
// system temp directory when root is empty.
func NewLocalGateway(logger *zap.Logger, root, shell string, opts ...LocalGatewayOption) *LocalGateway {
	if root == "" {
		root = filepath.Join(os.TempDir(), "shellbox-local")
	}

	gateway := &LocalGateway{
		logger:    logger.Named("local"),
		root:      root,
		shell:     shell,
		cmdRunner: &RealCommandRunner{}, // Default implementation
		fs:        &RealFileSystem{},    // Default implementation
	}

	for _, opt := range opts {
		opt(gateway)
	}

	return gateway
}

const (
	localMetaFile = "meta.json"
	localFSDir    = "fs"
)

type localMeta struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	State     string            `json:"state"`
	Labels    map[string]string `json:"labels"`
	Limits    Limits            `json:"limits"`
	CreatedAt time.Time         `json:"created_at"`
}

func (m localMeta) handle() Handle {
	return Handle{ID: m.ID, Name: m.Name, Image: m.Image, State: m.State, Labels: m.Labels}
}

// Ping ensures the root directory is usable
func (l *LocalGateway) Ping(_ context.Context) error {
	if err := l.fs.MkdirAll(l.root, DirPermission); err != nil {
		return unavailable(fmt.Errorf("preparing local root %s: %w", l.root, err))
	}
	return nil
}

// Get reads the metadata of the named environment
func (l *LocalGateway) Get(ctx context.Context, name string) (Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, found, err := l.readMeta(name)
	if err != nil || !found {
		return Handle{}, found, err
	}
	return meta.handle(), true, nil
}

// ImageExists accepts any non-empty reference; images have no meaning locally
func (*LocalGateway) ImageExists(_ context.Context, ref string) (bool, error) {
	return strings.TrimSpace(ref) != "", nil
}

// Create makes the environment directory and marks it running
func (l *LocalGateway) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, found, err := l.readMeta(spec.Name); err != nil {
		return Handle{}, err
	} else if found {
		return Handle{}, fmt.Errorf("environment %s already exists", spec.Name)
	}

	if err := l.fs.MkdirAll(filepath.Join(l.envDir(spec.Name), localFSDir), DirPermission); err != nil {
		return Handle{}, fmt.Errorf("creating environment directory: %w", err)
	}

	meta := localMeta{
		ID:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		Name:      spec.Name,
		Image:     spec.Image,
		State:     "running",
		Labels:    spec.Labels,
		Limits:    spec.Limits,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.writeMeta(meta); err != nil {
		return Handle{}, err
	}

	l.logger.Debug("created local environment", zap.String("name", spec.Name), zap.String("dir", l.envDir(spec.Name)))
	return meta.handle(), nil
}

// Start marks the environment running
func (l *LocalGateway) Start(ctx context.Context, h Handle) error {
	return l.setState(ctx, h.Name, "running", false)
}

// Stop marks the environment exited
func (l *LocalGateway) Stop(ctx context.Context, h Handle, _ time.Duration) error {
	return l.setState(ctx, h.Name, "exited", true)
}

// Remove deletes the environment directory
func (l *LocalGateway) Remove(ctx context.Context, h Handle, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, found, err := l.readMeta(h.Name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if meta.State == "running" && !force {
		return fmt.Errorf("environment %s is running, stop it first or force removal", h.Name)
	}

	if err := l.fs.RemoveAll(l.envDir(h.Name)); err != nil {
		return fmt.Errorf("removing environment directory: %w", err)
	}
	return nil
}

// Exec runs the command on the host inside the environment's tree
func (l *LocalGateway) Exec(ctx context.Context, h Handle, spec ExecSpec) (ExecOutput, error) {
	hGot, found, err := l.Get(ctx, h.Name)
	if err != nil {
		return ExecOutput{}, err
	}
	if !found {
		return ExecOutput{}, fmt.Errorf("environment %s not found", h.Name)
	}
	if hGot.Status() != StatusRunning {
		return ExecOutput{}, fmt.Errorf("exec in %s: %w", h.Name, ErrNotRunning)
	}

	dir, err := l.workdir(h.Name, spec.Workdir)
	if err != nil {
		return ExecOutput{}, err
	}
	if err := l.fs.MkdirAll(dir, DirPermission); err != nil {
		return ExecOutput{}, fmt.Errorf("creating workdir: %w", err)
	}

	output, truncated, exitCode, err := l.cmdRunner.RunCombined(ctx, dir, []string{l.shell, "-c", spec.Command}, spec.MaxOutputBytes)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ExecOutput{}, fmt.Errorf("exec in %s interrupted: %w", h.Name, ctxErr)
	}
	if err != nil {
		return ExecOutput{}, fmt.Errorf("failed to execute command: %w", err)
	}

	return ExecOutput{ExitCode: exitCode, Output: output, Truncated: truncated}, nil
}

// List scans the root directory for environments carrying labelKey
func (l *LocalGateway) List(ctx context.Context, labelKey string) ([]Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	exists, err := l.fs.FileExists(l.root)
	if err != nil {
		return nil, fmt.Errorf("checking local root: %w", err)
	}
	if !exists {
		return []Handle{}, nil
	}

	entries, err := l.fs.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("reading local root: %w", err)
	}

	handles := make([]Handle, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, found, err := l.readMeta(entry.Name())
		if err != nil {
			l.logger.Warn("skipping unreadable environment", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		if !found {
			continue
		}
		if _, ok := meta.Labels[labelKey]; !ok {
			continue
		}
		handles = append(handles, meta.handle())
	}
	return handles, nil
}

// Close is a no-op
func (*LocalGateway) Close() error {
	return nil
}

func (l *LocalGateway) envDir(name string) string {
	return filepath.Join(l.root, name)
}

// workdir maps an in-environment absolute path onto the host tree
func (l *LocalGateway) workdir(name, workdir string) (string, error) {
	base := filepath.Join(l.envDir(name), localFSDir)
	cleaned := filepath.Clean("/" + workdir)
	dir := filepath.Join(base, cleaned)
	if dir != base && !strings.HasPrefix(dir, base+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid workdir: %s", workdir)
	}
	return dir, nil
}

func (l *LocalGateway) setState(ctx context.Context, name, state string, missingOK bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, found, err := l.readMeta(name)
	if err != nil {
		return err
	}
	if !found {
		if missingOK {
			return nil
		}
		return fmt.Errorf("environment %s not found", name)
	}
	meta.State = state
	return l.writeMeta(meta)
}

func (l *LocalGateway) readMeta(name string) (localMeta, bool, error) {
	path := filepath.Join(l.envDir(name), localMetaFile)
	exists, err := l.fs.FileExists(path)
	if err != nil {
		return localMeta{}, false, fmt.Errorf("checking %s: %w", path, err)
	}
	if !exists {
		return localMeta{}, false, nil
	}

	data, err := l.fs.ReadFile(path)
	if err != nil {
		return localMeta{}, false, fmt.Errorf("reading %s: %w", path, err)
	}

	var meta localMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return localMeta{}, false, fmt.Errorf("decoding %s: %w", path, err)
	}
	return meta, true, nil
}

func (l *LocalGateway) writeMeta(meta localMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	path := filepath.Join(l.envDir(meta.Name), localMetaFile)
	if err := l.fs.WriteFile(path, data, FilePermission); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

var _ Gateway = (*LocalGateway)(nil)
