package worker

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/steps"
)

// LocalWorker runs trials against an in-process agent whose guest root is a
// plain host directory. Useful for debugging on machines without
// virtualization.
type LocalWorker struct {
	Workdir string
	Index   int
}

// RunTask implements Backend.
func (w *LocalWorker) RunTask(task *steps.Task) error {
	if _, err := os.Stat(w.Workdir); err != nil {
		return fmt.Errorf("workdir %s does not exist", w.Workdir)
	}

	lg := log.WithComponent("pool")
	lg.Info().
		Str("task", task.Name).
		Int("worker", w.Index).
		Msg("Running on local worker")

	local := agent.SpawnLocal(w.Workdir)
	runErr := task.Run(w.Index, local)

	if err := rpc.Exit(local); err != nil && runErr == nil {
		runErr = err
	}
	local.Join()
	return runErr
}
