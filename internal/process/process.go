package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// outputBufferSize caps a single captured output line.
const outputBufferSize = 4096

// killWait bounds how long Stop waits for the kernel to reap a SIGKILLed group.
const killWait = 5 * time.Second

// ErrKillTimeout is returned by Stop when the process survives SIGKILL.
var ErrKillTimeout = errors.New("process: did not exit after SIGKILL")

// Spec describes a subprocess to launch.
type Spec struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path to the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional KEY=value entries appended to the parent environment.
	Env []string

	// WorkDir is the working directory. Empty inherits the parent's.
	WorkDir string

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration
}

// Logger defines the logging interface for supervised processes.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Process is one running child in its own process group. Done is closed
// exactly once when the child exits, after which ExitErr is final.
type Process struct {
	spec      Spec
	logger    Logger
	cmd       *exec.Cmd
	startedAt time.Time

	done    chan struct{}
	exitErr error

	stopRequested atomic.Bool
	stopMu        sync.Mutex
}

// Launcher starts processes with a shared logger.
type Launcher struct {
	logger Logger
}

// NewLauncher creates a launcher that logs nowhere until SetLogger is called.
func NewLauncher() *Launcher {
	return &Launcher{logger: noopLogger{}}
}

// SetLogger sets the logger handed to every launched process.
func (l *Launcher) SetLogger(logger Logger) {
	l.logger = logger
}

// Launch starts the process described by spec. ctx only guards the launch
// itself; the child outlives it and is ended with Stop.
func (l *Launcher) Launch(ctx context.Context, spec Spec) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Start(spec, l.logger)
}

// Start launches the subprocess and returns once it has been forked.
// Errors that retrying cannot fix (missing binary, permission denied) are
// reported as non-recoverable; see IsRecoverable.
func Start(spec Spec, logger Logger) (*Process, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	cmd := exec.Command(spec.Binary, spec.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = newLineLogger(logger, spec.Name, "stdout")
	cmd.Stderr = newLineLogger(logger, spec.Name, "stderr")
	cmd.WaitDelay = killWait

	logger.Info("starting process", "name", spec.Name, "binary", spec.Binary)

	if err := cmd.Start(); err != nil {
		return nil, classifyStartError(spec, err)
	}

	p := &Process{
		spec:      spec,
		logger:    logger,
		cmd:       cmd,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	go p.wait()

	logger.Info("process started", "name", spec.Name, "pid", cmd.Process.Pid)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if p.stopRequested.Load() {
		p.logger.Info("process stopped", "name", p.spec.Name, "pid", p.PID())
		return
	}
	p.logger.Warn("process exited unexpectedly", "name", p.spec.Name, "pid", p.PID(), "error", err)
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the error from Wait. It is only meaningful after Done is closed.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Uptime returns how long the process has been running, 0 once exited.
func (p *Process) Uptime() time.Duration {
	if p.Exited() {
		return 0
	}
	return time.Since(p.startedAt)
}

// Stop ends the process group. With graceful set it sends SIGTERM and waits
// up to GracefulTimeout before SIGKILL; otherwise it sends SIGKILL at once.
// Stop blocks until the process has exited and is safe to call repeatedly.
func (p *Process) Stop(graceful bool) error {
	p.stopRequested.Store(true)

	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	if p.Exited() {
		return nil
	}

	pid := p.PID()
	if graceful && p.spec.GracefulTimeout > 0 {
		p.logger.Info("stopping process", "name", p.spec.Name, "pid", pid)
		signalGroup(p.logger, p.spec.Name, pid, syscall.SIGTERM)

		timer := time.NewTimer(p.spec.GracefulTimeout)
		defer timer.Stop()
		select {
		case <-p.done:
			return nil
		case <-timer.C:
			p.logger.Warn("graceful shutdown timeout, sending SIGKILL",
				"name", p.spec.Name,
				"timeout", p.spec.GracefulTimeout,
			)
		}
	}

	signalGroup(p.logger, p.spec.Name, pid, syscall.SIGKILL)

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s (pid %d): %w", p.spec.Name, pid, ErrKillTimeout)
	}
}

// signalGroup signals the whole process group created via Setpgid.
func signalGroup(logger Logger, name string, pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		logger.Warn("failed to signal process group", "name", name, "signal", sig.String(), "error", err)
	}
}

// lineLogger turns a byte stream into one log entry per line.
type lineLogger struct {
	logger Logger
	name   string
	stream string
	buf    []byte
}

func newLineLogger(logger Logger, name, stream string) *lineLogger {
	return &lineLogger{logger: logger, name: name, stream: stream}
}

func (w *lineLogger) Write(b []byte) (int, error) {
	for _, c := range b {
		if c == '\n' || len(w.buf) >= outputBufferSize {
			w.flush()
			if c == '\n' {
				continue
			}
		}
		w.buf = append(w.buf, c)
	}
	return len(b), nil
}

func (w *lineLogger) flush() {
	if len(w.buf) == 0 {
		return
	}
	w.logger.Debug("process output", "name", w.name, "stream", w.stream, "output", string(w.buf))
	w.buf = w.buf[:0]
}
