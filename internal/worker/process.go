package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// Process is a running worker process.
type Process interface {
	// Pid returns the operating system process ID.
	Pid() int

	// Done is closed once the process has exited.
	Done() <-chan struct{}

	// Terminate asks the process to exit gracefully (SIGTERM).
	Terminate() error

	// Kill forcibly stops the process.
	Kill() error
}

// Launcher spawns worker processes.
type Launcher interface {
	Launch(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecLauncher starts real subprocesses via [os/exec]. The children are tied
// to the parent's lifetime where the platform allows it.
type ExecLauncher struct {
	// Stderr receives the worker's stderr. Nil discards it.
	Stderr io.Writer
}

// Compile-time interface assertion.
var _ Launcher = ExecLauncher{}

// Launch starts name with args. The context bounds only the start itself;
// the running process is controlled through [Process].
func (l ExecLauncher) Launch(_ context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = io.Discard
	}
	cmd.SysProcAttr = sysProcAttr()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker: start %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) signal(sig os.Signal) error {
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// alive reports whether p has not yet exited.
func alive(p Process) bool {
	if p == nil {
		return false
	}
	select {
	case <-p.Done():
		return false
	default:
		return true
	}
}
