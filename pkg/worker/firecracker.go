package worker

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/firecracker"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
	"github.com/cuemby/burrow/pkg/steps"
)

// shutdownTimeout bounds how long a guest gets to exit cleanly before the
// host kills it.
const shutdownTimeout = 10 * time.Second

// FirecrackerWorker runs each trial inside a fresh microVM.
type FirecrackerWorker struct {
	ID        string
	Index     int
	Instances map[string]*firecracker.VMConfig
}

// RunTask implements Backend.
func (w *FirecrackerWorker) RunTask(task *steps.Task) error {
	lg := log.WithWorkerID(w.ID)
	lg.Info().Str("task", task.Name).Msg("Running on firecracker")

	cfg, ok := w.Instances[task.Instance]
	if !ok {
		return fmt.Errorf("unknown instance %s", task.Instance)
	}

	vm, err := firecracker.SpawnVM(w.ID, cfg, false)
	if err != nil {
		return err
	}
	defer vm.Stop()

	client, err := vm.ConnectAgent()
	if err != nil {
		return err
	}
	defer client.Close()

	if len(cfg.KernelEntropy) > 0 {
		if err := rpc.AddEntropy(client, cfg.KernelEntropy); err != nil {
			return fmt.Errorf("failed to add entropy to VM: %w", err)
		}
	}

	runErr := task.Run(w.Index, client)

	if err := rpc.Shutdown(client); err != nil && runErr == nil {
		runErr = err
	}
	if err := vm.WaitForExitTimeout(shutdownTimeout); err != nil {
		lg.Error().Err(err).Msg("Error waiting for VM to exit")
	}
	return runErr
}
