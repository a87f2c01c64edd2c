package docker

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/lifecycle"
)

// Config is one docker worker instance: the image to run and the host
// directories bind-mounted into it.
type Config struct {
	Image   string
	Workdir string
	// Mounts maps host source directories to container destinations.
	Mounts [][2]string
}

// Worker is one running agent container plus the attach process that drains
// its stdio into the workdir.
type Worker struct {
	APISocket string
	workdir   string
	container *Container
	attach    *exec.Cmd
	attachEnd chan error
}

// SpawnWorker starts a detached agent container for the worker id, with the
// worker directory bind-mounted at /var and the agent listening on a unix
// socket inside it.
func SpawnWorker(id string, cfg *Config) (*Worker, error) {
	workdir := filepath.Join(cfg.Workdir, id)
	apiSocket := filepath.Join(workdir, "api.socket")
	if err := lifecycle.PrepareWorkdir(apiSocket, workdir, true, true); err != nil {
		return nil, err
	}

	absWorkdir, err := filepath.Abs(workdir)
	if err != nil {
		return nil, err
	}

	mounts := []Mount{{Type: MountBind, Source: absWorkdir, Destination: "/var"}}
	for _, pair := range cfg.Mounts {
		source, err := filepath.Abs(pair[0])
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, Mount{Type: MountBind, Source: source, Destination: pair[1]})
	}

	container, err := RunDetached(cfg.Image, mounts, "/bin/agent", "-u", "/var/api.socket")
	if err != nil {
		return nil, err
	}

	attach := container.AttachCommand()
	if err := lifecycle.RedirectStdio(attach, workdir); err != nil {
		_ = container.Remove()
		return nil, err
	}
	if err := attach.Start(); err != nil {
		_ = container.Remove()
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	worker := &Worker{
		APISocket: apiSocket,
		workdir:   workdir,
		container: container,
		attach:    attach,
		attachEnd: make(chan error, 1),
	}
	go func() { worker.attachEnd <- attach.Wait() }()
	return worker, nil
}

// WaitForExitTimeout waits for the container to wind down, kills the attach
// process if it overstays, and removes the container.
func (w *Worker) WaitForExitTimeout(timeout time.Duration) error {
	err, exited := lifecycle.WaitTimeout(w.attachEnd, timeout)
	if !exited {
		_ = w.attach.Process.Kill()
		<-w.attachEnd
		_ = w.container.Remove()
		return fmt.Errorf("container timed out after %s", timeout)
	}
	if err != nil {
		_ = w.container.Remove()
		return fmt.Errorf("container exited with error: %w", err)
	}
	return w.container.Remove()
}

// Stop force-removes the container, for error paths.
func (w *Worker) Stop() {
	_ = w.attach.Process.Kill()
	<-w.attachEnd
	_ = w.container.Remove()
}
