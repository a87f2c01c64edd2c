package firecracker

import (
	"fmt"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
)

// SpawnDebugVM brings up one guest interactively and forwards a shell to it
// through the agent, waiting until the VM exits. Used by `burrow debug`.
func SpawnDebugVM(cfg *VMConfig) error {
	vm, err := SpawnVM("vm-debug-data", cfg, true)
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
			return err
		}
	}

	shell, err := rpc.ParseCommand("/bin/bash -i")
	if err != nil {
		return err
	}
	shell.Stdin = rpc.InheritStdio()
	shell.Stdout = rpc.InheritStdio()
	shell.Stderr = rpc.InheritStdio()

	pid, err := rpc.SpawnTask(client, shell)
	if err != nil {
		return fmt.Errorf("failed to spawn shell: %w", err)
	}
	lg := log.WithComponent("firecracker")
	lg.Debug().Uint32("pid", pid).Msg("/bin/bash started")

	return vm.WaitForExit()
}
