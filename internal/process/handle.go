package process

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// Handle is one live agent process.
type Handle interface {
	// WriteLine writes line followed by a newline and flushes.
	WriteLine(line []byte) error
	Stdout() io.Reader
	Stderr() io.Reader
	Alive() bool
	// Destroy flushes and closes stdin, then terminates the process. It may block.
	Destroy() error
	Pid() int
}

// Launcher starts a process for cfg.
type Launcher func(cfg Config) (Handle, error)

const (
	terminateGrace = 2 * time.Second
	killGrace      = 2 * time.Second
)

type execHandle struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	stdin  io.WriteCloser
	writer *bufio.Writer
	closed bool

	stdout *os.File
	stderr *os.File

	done chan struct{}

	destroyOnce sync.Once
}

// ExecLauncher starts cfg.Executable with os/exec in its own process group.
// stdout and stderr are plain os pipes so that reaping the child never
// truncates output that has not been read yet.
func ExecLauncher(cfg Config) (Handle, error) {
	if cfg.Executable == "" {
		return nil, ErrNoExecutable
	}

	cmd := exec.Command(cfg.Executable, cfg.Args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = buildEnv(cfg)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Executable, err)
	}
	// The child holds its own copies of the write ends.
	closeAll(stdoutW, stderrW)

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		writer: bufio.NewWriter(stdin),
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

func (h *execHandle) WriteLine(line []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrNotRunning
	}
	if _, err := h.writer.Write(line); err != nil {
		return err
	}
	if err := h.writer.WriteByte('\n'); err != nil {
		return err
	}
	return h.writer.Flush()
}

func (h *execHandle) Stdout() io.Reader { return h.stdout }
func (h *execHandle) Stderr() io.Reader { return h.stderr }
func (h *execHandle) Pid() int          { return h.cmd.Process.Pid }

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Destroy() error {
	var err error
	h.destroyOnce.Do(func() {
		h.mu.Lock()
		_ = h.writer.Flush()
		_ = h.stdin.Close()
		h.closed = true
		h.mu.Unlock()

		pid := h.cmd.Process.Pid
		if h.Alive() {
			_ = terminateProcessGroup(pid)
		}
		select {
		case <-h.done:
		case <-time.After(terminateGrace):
			if kerr := killProcessGroup(pid); kerr != nil {
				_ = h.cmd.Process.Kill()
			}
			select {
			case <-h.done:
			case <-time.After(killGrace):
				err = fmt.Errorf("process %d did not exit after kill", pid)
			}
		}
		closeAll(h.stdout, h.stderr)
	})
	return err
}

// buildEnv returns the parent environment (when inherited) with the overlay
// applied on top. Overlay keys are emitted in sorted order.
func buildEnv(cfg Config) []string {
	// A nil Env would make os/exec inherit everything.
	base := []string{}
	if cfg.InheritEnv {
		base = os.Environ()
	}
	if len(cfg.Env) == 0 {
		return base
	}

	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	for _, kv := range base {
		if k, _, ok := strings.Cut(kv, "="); ok {
			if _, overridden := cfg.Env[k]; overridden {
				continue
			}
		}
		env = append(env, kv)
	}
	for _, k := range keys {
		env = append(env, k+"="+cfg.Env[k])
	}
	return env
}

func closeAll(files ...io.Closer) {
	for _, f := range files {
		_ = f.Close()
	}
}
