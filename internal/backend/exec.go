package backend

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// ExecInvoker runs commands as local child processes.
type ExecInvoker struct{}

func (ExecInvoker) Invoke(ctx context.Context, cmd Command) (Handle, error) {
	c := exec.CommandContext(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	if cmd.Output != nil {
		c.Stdout = cmd.Output
		c.Stderr = cmd.Output
	}
	if err := c.Start(); err != nil {
		return nil, err
	}
	return &execHandle{cmd: c}, nil
}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() (ExitInfo, error) {
	err := h.cmd.Wait()
	if err == nil {
		return ExitInfo{Code: 0, Exited: true}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitInfo{Code: exitErr.ExitCode(), Exited: exitErr.Exited()}, err
	}
	return ExitInfo{Code: -1}, err
}

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return errors.New("process not started")
	}
	return h.cmd.Process.Kill()
}
