package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrNotStarted is returned by operations that need a spawned child.
	ErrNotStarted = errors.New("process not started")
	// ErrTerminationTimeout marks a stop that had to be forced after the grace period.
	ErrTerminationTimeout = errors.New("process did not exit within the stop timeout")
	// ErrExitedEarly is returned when the child dies inside its start window.
	ErrExitedEarly = errors.New("process exited before start duration")
)

// killWait bounds how long we wait for the kernel to reap a SIGKILLed child.
const killWait = 5 * time.Second

// Process owns one spawned child. A single goroutine waits on the child;
// everyone else observes exit through Done.
type Process struct {
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	pid       int
	startedAt time.Time
	stoppedAt time.Time
	exitErr   error
	outCloser io.WriteCloser
	errCloser io.WriteCloser

	done chan struct{}
}

func New(spec Spec) *Process {
	return &Process{spec: spec, done: make(chan struct{})}
}

// Spec returns the launch parameters.
func (p *Process) Spec() Spec { return p.spec }

// Start spawns the child. It may be called once.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("process %s already spawned", p.spec.Name)
	}

	cmd := p.spec.BuildCommand()
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return fmt.Errorf("open console logs: %w", err)
	}
	// nil streams go to /dev/null
	if outW != nil {
		cmd.Stdout = outW
	}
	if errW != nil {
		cmd.Stderr = errW
	}

	if err := cmd.Start(); err != nil {
		closeQuietly(outW)
		closeQuietly(errW)
		_ = stdin.Close()
		return err
	}
	p.cmd = cmd
	p.stdin = stdin
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.outCloser, p.errCloser = outW, errW

	go p.wait(cmd)
	return nil
}

func (p *Process) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.stoppedAt = time.Now()
	closeQuietly(p.outCloser)
	closeQuietly(p.errCloser)
	p.outCloser, p.errCloser = nil, nil
	p.mu.Unlock()
	close(p.done)
}

// PID returns the child's pid, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Done is closed once the child has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitErr returns the error from Wait once the child has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// WriteLine writes one console line to the child's stdin.
func (p *Process) WriteLine(line string) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return ErrNotStarted
	}
	if p.Exited() {
		return os.ErrProcessDone
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := io.WriteString(stdin, line)
	return err
}

// EnforceStartDuration waits d and fails if the child dies within it.
func (p *Process) EnforceStartDuration(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return fmt.Errorf("%w %s", ErrExitedEarly, d)
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Terminate asks the child to exit: the configured stop command on stdin when
// there is one, SIGTERM to the process group otherwise.
func (p *Process) Terminate() error {
	if p.PID() == 0 {
		return ErrNotStarted
	}
	if p.spec.StopCommand != "" {
		if err := p.WriteLine(p.spec.StopCommand); err == nil {
			return nil
		}
	}
	return signalGroup(p.PID(), syscall.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	if p.PID() == 0 {
		return ErrNotStarted
	}
	return signalGroup(p.PID(), syscall.SIGKILL)
}

// Stop terminates the child and waits at most timeout for it to exit before
// escalating to SIGKILL. A forced stop returns an error wrapping
// ErrTerminationTimeout even though the child is gone afterwards.
func (p *Process) Stop(ctx context.Context, timeout time.Duration) error {
	if p.PID() == 0 {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	_ = p.Terminate()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	_ = p.Kill()
	select {
	case <-p.done:
		return fmt.Errorf("%s: %w after %s", p.spec.Name, ErrTerminationTimeout, timeout)
	case <-time.After(killWait):
		return fmt.Errorf("%s: still running %s after SIGKILL", p.spec.Name, killWait)
	}
}

func closeQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
