package agent

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/rpc"
)

// child is one supervised guest subprocess. The agent is the sole owner of
// the handle; a monitor goroutine per child records the exit so liveness
// checks and reaping never block.
type child struct {
	pid  uint32
	cmd  *exec.Cmd
	done chan struct{}

	// exitCode is valid once done is closed; nil when the child was killed
	// by a signal and carries no code.
	exitCode *int64
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *child) signal(signal int32) error {
	return syscall.Kill(int(c.pid), syscall.Signal(signal))
}

func (c *child) kill() {
	_ = c.cmd.Process.Kill()
}

// spawnChild starts cmd detached and begins monitoring it.
func spawnChild(spec *rpc.RunCommand) (*child, error) {
	cmd, closers, err := buildCommand(spec)
	if err != nil {
		return nil, err
	}
	defer closeAll(closers)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Program, err)
	}

	ch := &child{
		pid:  uint32(cmd.Process.Pid),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		ch.exitCode = waitCode(cmd.Wait())
		close(ch.done)
	}()
	return ch, nil
}

// runProcess runs spec to completion with captured stdout/stderr and an
// optional wall-clock deadline. Deadline expiry kills the child and reports
// Hang; signal death without an exit code reports Crash.
func runProcess(spec *rpc.RunCommand) (*rpc.RunOutput, error) {
	// Stdout/stderr are always captured here; only stdin follows the spec.
	captured := *spec
	captured.Stdout = rpc.Stdio{}
	captured.Stderr = rpc.Stdio{}

	cmd, closers, err := buildCommand(&captured)
	if err != nil {
		return nil, err
	}
	defer closeAll(closers)

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	// Bound the pipe drain after the child dies, so a grandchild inheriting
	// the descriptors cannot stall a timed-out run.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Program, err)
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var deadline <-chan time.Time
	if timeout := spec.Timeout(); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	hang := false
	select {
	case <-waitDone:
	case <-deadline:
		hang = true
		_ = cmd.Process.Kill()
		<-waitDone
	}

	output := &rpc.RunOutput{
		Stdout: outBuf.Bytes(),
		Stderr: errBuf.Bytes(),
	}

	state := cmd.ProcessState
	switch {
	case hang:
		output.Exit = rpc.ExitHang
	case state != nil && state.Success():
		output.Exit = rpc.ExitSuccess
	case state != nil && state.ExitCode() >= 0:
		output.Exit = rpc.ExitWithCode(int32(state.ExitCode()))
	default:
		output.Exit = rpc.ExitCrash
	}
	return output, nil
}

// waitCode maps the result of exec.Cmd.Wait to an optional exit code.
func waitCode(err error) *int64 {
	if err == nil {
		code := int64(0)
		return &code
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if c := exitErr.ExitCode(); c >= 0 {
			code := int64(c)
			return &code
		}
	}
	return nil
}

// buildCommand translates the wire command into an exec.Cmd. Returned files
// must be closed once the process has started (the child holds duplicates).
func buildCommand(spec *rpc.RunCommand) (*exec.Cmd, []*os.File, error) {
	cmd := exec.Command(spec.Program, spec.Args...)
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}

	cmd.Env = os.Environ()
	for _, pair := range spec.Env {
		cmd.Env = append(cmd.Env, pair.Key+"="+pair.Value)
	}

	var closers []*os.File
	open := func(stdio rpc.Stdio, inherit *os.File) (*os.File, error) {
		switch stdio.Kind {
		case rpc.StdioInherit:
			return inherit, nil
		case rpc.StdioFile:
			path := stdio.Path
			if !filepath.IsAbs(path) && spec.Cwd != "" {
				path = filepath.Join(spec.Cwd, path)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", path, err)
			}
			closers = append(closers, file)
			return file, nil
		default:
			return nil, nil
		}
	}

	stdin, err := open(spec.Stdin, os.Stdin)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	stdout, err := open(spec.Stdout, os.Stdout)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	stderr, err := open(spec.Stderr, os.Stderr)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}

	if stdin != nil {
		cmd.Stdin = stdin
	}
	if stdout != nil {
		cmd.Stdout = stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	}
	return cmd, closers, nil
}

func closeAll(files []*os.File) {
	for _, file := range files {
		if file != os.Stdin && file != os.Stdout && file != os.Stderr {
			file.Close()
		}
	}
}
