package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error)
	// RunCombined sends stdout and stderr through one stream, keeping their
	// interleaving. Output past limit bytes is discarded and reported through truncated.
	RunCombined(ctx context.Context, dir string, args []string, limit int64) (output string, truncated bool, exitCode int, err error)
}

// processWaitDelay bounds how long Run waits for inherited pipes after the process is killed
const processWaitDelay = 2 * time.Second

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments. A non-zero exit is
// reported through exitCode with a nil error; err is set only when the
// process could not be run at all.
func (RealCommandRunner) RunCommand(ctx context.Context, dir string, args []string) (stdout, stderr string, exitCode int, err error) {
	cmd, err := newCommand(ctx, dir, args)
	if err != nil {
		return "", "", 0, err
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	exitCode, err = runCommand(cmd)
	if err != nil {
		return "", "", 0, err
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// RunCombined executes the command with both streams writing to one capped buffer
func (RealCommandRunner) RunCombined(ctx context.Context, dir string, args []string, limit int64) (output string, truncated bool, exitCode int, err error) {
	cmd, err := newCommand(ctx, dir, args)
	if err != nil {
		return "", false, 0, err
	}

	// exec serializes writes when Stdout and Stderr are the same writer
	out := newCappedBuffer(limit)
	cmd.Stdout = out
	cmd.Stderr = out

	exitCode, err = runCommand(cmd)
	if err != nil {
		return "", false, 0, err
	}
	return out.String(), out.Truncated(), exitCode, nil
}

func newCommand(ctx context.Context, dir string, args []string) (*exec.Cmd, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input
	cmd.Dir = dir
	cmd.WaitDelay = processWaitDelay
	return cmd, nil
}

func runCommand(cmd *exec.Cmd) (int, error) {
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitError *exec.ExitError
	if errors.As(err, &exitError) {
		return exitError.ExitCode(), nil
	}
	return 0, err
}

// DefaultMaxOutputBytes caps captured exec output when no limit is configured
const DefaultMaxOutputBytes = 1 << 20

// cappedBuffer keeps the first limit bytes written to it and drops the rest.
// Writes never fail, so the producer keeps running until it exits.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.limit - int64(c.buf.Len())
	if int64(len(p)) <= room {
		return c.buf.Write(p)
	}
	if room > 0 {
		c.buf.Write(p[:room])
	}
	c.truncated = true
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

// Truncated reports whether any output was dropped
func (c *cappedBuffer) Truncated() bool {
	return c.truncated
}

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	ReadDir(path string) ([]os.DirEntry, error)
	RemoveAll(path string) error
	FileExists(path string) (bool, error)
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (RealFileSystem) FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
