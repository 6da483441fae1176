// Package launcher spawns the external worker process. The worker is
// started under a thin shell wrapper that prints its own pid before
// exec'ing the real command in place, so the long-lived process id is
// always recoverable from the first output line even though exec would
// otherwise hide it.
package launcher

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/workerlink/pkg/logging"
	"github.com/psantana5/workerlink/pkg/models"
)

// wrapperScript echoes the shell's pid, then replaces the shell with the
// worker command. The exec'd worker inherits the echoed pid.
const wrapperScript = `echo $$; exec "$0" "$@"`

const (
	// DefaultPIDWait bounds how long the launcher waits for the wrapper
	// to emit the pid line. On timeout the pid is left undefined (0)
	// instead of blocking startup forever.
	DefaultPIDWait = 20 * time.Second

	// bannerWait bounds the wait for the worker's first own output
	// line, drained purely for diagnostics.
	bannerWait = 1 * time.Second
)

// Launcher spawns worker processes.
type Launcher struct {
	logger  *logging.Logger
	pidWait time.Duration
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithPIDWait overrides the bounded wait for the pid line.
func WithPIDWait(d time.Duration) Option {
	return func(l *Launcher) { l.pidWait = d }
}

// New creates a Launcher.
func New(logger *logging.Logger, opts ...Option) *Launcher {
	l := &Launcher{
		logger:  logger,
		pidWait: DefaultPIDWait,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Launch spawns the worker described by cfg and returns its handle.
// extraEnv entries (KEY=VALUE) are appended after the config's own
// environment so the supervisor can hand the worker its node address.
func (l *Launcher) Launch(ctx context.Context, identity models.Identity, cfg models.Config, extraEnv []string) (*Handle, error) {
	if cfg.Executable == "" {
		return nil, fmt.Errorf("%w: no executable configured for %s", models.ErrLaunchFailure, identity)
	}

	args := append([]string{"-c", wrapperScript, cfg.Executable}, cfg.Args...)
	cmd := exec.Command("/bin/sh", args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = append(os.Environ(), append(cfg.EnvList(), extraEnv...)...)

	// Own process group, so the worker is not torn down with the
	// supervisor's group by accident and can be signalled on its own.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, err)
	}

	// One pipe carries both stdout and stderr, line-buffered.
	pr, pw, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		stdin.Close()
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrLaunchFailure, err)
	}
	pw.Close() // parent keeps only the read end

	h := &Handle{
		identity: identity,
		stdin:    stdin,
		stream:   pr,
		cmd:      cmd,
		lines:    make(chan string, 16),
		done:     make(chan struct{}),
		logger:   l.logger.WithField("worker", string(identity)),
	}
	go h.readLines()
	go h.reap()

	h.PID = l.capturePID(ctx, h)
	go h.drainLog()

	l.logger.Info("worker launched", map[string]interface{}{
		"worker":     string(identity),
		"executable": cfg.Executable,
		"pid":        h.PID,
	})

	return h, nil
}

// capturePID drains the first two output lines: the wrapper's pid echo,
// then the worker's first own line, kept for diagnostics. A silent
// worker yields pid 0 after the bounded wait.
func (l *Launcher) capturePID(ctx context.Context, h *Handle) int {
	var pid int
	select {
	case line, ok := <-h.lines:
		if !ok {
			l.logger.Warn("worker output closed before pid line", map[string]interface{}{
				"worker": string(h.identity),
			})
			return 0
		}
		pid, _ = strconv.Atoi(strings.TrimSpace(line))
		if pid == 0 {
			l.logger.Warn("first output line is not a pid", map[string]interface{}{
				"worker": string(h.identity),
				"line":   line,
			})
		}
	case <-ctx.Done():
		return 0
	case <-time.After(l.pidWait):
		l.logger.Warn("timed out waiting for pid line, pid undefined", map[string]interface{}{
			"worker": string(h.identity),
		})
		return 0
	}

	select {
	case line, ok := <-h.lines:
		if ok {
			l.logger.Debug("worker banner", map[string]interface{}{
				"worker": string(h.identity),
				"line":   line,
			})
		}
	case <-ctx.Done():
	case <-time.After(bannerWait):
	}

	return pid
}

// Handle owns the spawned worker's OS process id and output stream.
// Exactly one handle exists per live supervisor; it is destroyed on
// shutdown and never shared.
type Handle struct {
	// PID is the captured worker process id. Zero means the pid could
	// not be captured; forced termination is then skipped.
	PID int

	identity  models.Identity
	stdin     io.WriteCloser
	stream    *os.File
	cmd       *exec.Cmd
	lines     chan string
	done      chan struct{}
	logger    *logging.Logger
	closeOnce sync.Once
	closeErr  error
}

// Done is closed when the worker's stream ends and the process has been
// reaped. It is the handle-side exit signal the liveness monitor
// subscribes to.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Close releases the stream handles. Safe to call repeatedly.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.stdin.Close()
		h.closeErr = h.stream.Close()
	})
	return h.closeErr
}

// readLines feeds worker output into the line channel until the stream
// ends. The first lines serve pid capture; drainLog logs the rest.
func (h *Handle) readLines() {
	scanner := bufio.NewScanner(h.stream)
	for scanner.Scan() {
		h.lines <- scanner.Text()
	}
	close(h.lines)
}

// drainLog consumes worker output after startup so the reader never
// stalls, logging each line.
func (h *Handle) drainLog() {
	for line := range h.lines {
		h.logger.Debug("worker output", map[string]interface{}{"line": line})
	}
}

// reap waits for the process so it never lingers as a zombie, then
// closes the exit signal.
func (h *Handle) reap() {
	err := h.cmd.Wait()
	if err != nil {
		h.logger.Debug("worker process exited", map[string]interface{}{"error": err.Error()})
	}
	close(h.done)
}
