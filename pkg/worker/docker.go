package worker

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/docker"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/steps"
)

// DockerWorker runs each trial inside a fresh agent container.
type DockerWorker struct {
	ID        string
	Index     int
	Instances map[string]*docker.Config
}

// RunTask implements Backend.
func (w *DockerWorker) RunTask(task *steps.Task) error {
	lg := log.WithWorkerID(w.ID)
	lg.Info().Str("task", task.Name).Msg("Running in docker")

	cfg, ok := w.Instances[task.Instance]
	if !ok {
		return fmt.Errorf("unknown instance %s", task.Instance)
	}

	container, err := docker.SpawnWorker(w.ID, cfg)
	if err != nil {
		return err
	}

	client, err := rpc.Retry(func() (*rpc.Client, error) {
		return rpc.DialUnix(container.APISocket)
	})
	if err != nil {
		container.Stop()
		return err
	}

	runErr := task.Run(w.Index, client)

	if err := rpc.Exit(client); err != nil && runErr == nil {
		runErr = err
	}
	client.Close()

	if err := container.WaitForExitTimeout(shutdownTimeout); err != nil {
		lg.Error().Err(err).Msg("Error waiting for container to exit")
	}
	return runErr
}
