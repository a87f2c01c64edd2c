package firecracker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/cancel"
	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/rpc"
)

// agentVsockPort is the well-known port the guest agent listens on.
const agentVsockPort = 52

// drive is the firecracker drive API payload.
type drive struct {
	DriveID      string `json:"drive_id"`
	PathOnHost   string `json:"path_on_host"`
	IsRootDevice bool   `json:"is_root_device"`
	IsReadOnly   bool   `json:"is_read_only"`
}

type vsockConfig struct {
	GuestCID uint32 `json:"guest_cid"`
	UDSPath  string `json:"uds_path"`
}

type action struct {
	ActionType string `json:"action_type"`
}

// ActiveVM is a running firecracker instance. The process handle is owned
// here; Stop kills it unless a wait already collected it.
type ActiveVM struct {
	Workdir   string
	vsockPath string
	drives    []drive
	api       *apiClient
	cmd       *exec.Cmd
	waitDone  chan error
	collected bool
}

// SpawnVM brings up one guest for the given worker id: prepares the
// workdir, starts firecracker, pushes the configuration, and waits out the
// boot delay.
func SpawnVM(id string, cfg *VMConfig, interactive bool) (*ActiveVM, error) {
	workdir := filepath.Join(os.TempDir(), "burrow", id)
	apiSocket := filepath.Join(workdir, "firecracker-api.socket")
	if err := lifecycle.PrepareWorkdir(apiSocket, workdir, cfg.RecreateWorkdir, false); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Bin, "--api-sock", apiSocket)
	if !interactive {
		if err := lifecycle.RedirectStdio(cmd, workdir); err != nil {
			return nil, err
		}
	} else {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Bin, err)
	}

	vm := &ActiveVM{
		Workdir:   workdir,
		vsockPath: filepath.Join(workdir, "vm.vsock"),
		api:       newAPIClient(apiSocket),
		cmd:       cmd,
		waitDone:  make(chan error, 1),
	}
	go func() { vm.waitDone <- cmd.Wait() }()

	if err := vm.setup(cfg, apiSocket); err != nil {
		vm.Stop()
		return nil, err
	}

	log.WithComponent("firecracker").Debug().
		Dur("boot_delay", cfg.BootDelay).
		Msg("VM started, waiting for boot")
	time.Sleep(cfg.BootDelay)

	return vm, nil
}

func (vm *ActiveVM) setup(cfg *VMConfig, apiSocket string) error {
	// The API socket appears once firecracker is ready to be configured.
	for i := 0; ; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := os.Stat(apiSocket); err == nil {
			break
		}
		if i >= 100 {
			return fmt.Errorf("timed out waiting for API socket %s", apiSocket)
		}
		if cancel.Requested() {
			return fmt.Errorf("task cancelled")
		}
	}
	log.WithComponent("firecracker").Debug().Str("socket", apiSocket).Msg("Connecting to api server")

	if err := os.Remove(vm.vsockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing %s: %w", vm.vsockPath, err)
	}

	if err := vm.addDrive(&cfg.Rootfs, true); err != nil {
		return err
	}
	for i := range cfg.Drives {
		if err := vm.addDrive(&cfg.Drives[i], false); err != nil {
			return err
		}
	}

	return vm.sendConfig(cfg)
}

// addDrive resolves the mount mode into a concrete host path and registers
// the drive for configuration.
func (vm *ActiveVM) addDrive(cfg *DriveConfig, isRoot bool) error {
	if _, err := os.Stat(cfg.Path); err != nil {
		// Fail early with a clear message; the image could still disappear
		// before the VM opens it, but this catches the common case.
		return fmt.Errorf("failed to configure %s: %s does not exist", cfg.Name, cfg.Path)
	}

	var readOnly bool
	var pathOnHost string
	switch cfg.Mount {
	case MountReadOnly:
		readOnly, pathOnHost = true, cfg.Path

	case MountDuplicate:
		copyPath := filepath.Join(vm.Workdir, cfg.Name+".ext4")
		if _, err := os.Stat(copyPath); err != nil {
			if err := copyFile(cfg.Path, copyPath); err != nil {
				return fmt.Errorf("error copying %s to %s: %w", cfg.Path, copyPath, err)
			}
		}
		pathOnHost = copyPath

	case MountReuseDuplicate:
		copyPath := filepath.Join(vm.Workdir, cfg.Name+".ext4")
		if _, err := os.Stat(copyPath); err != nil {
			return fmt.Errorf("attempting to reuse %s but file does not exist", copyPath)
		}
		pathOnHost = copyPath

	case MountInPlace:
		pathOnHost = cfg.Path

	default:
		return fmt.Errorf("drive %s: invalid mount mode %q", cfg.Name, cfg.Mount)
	}

	abs, err := filepath.Abs(pathOnHost)
	if err != nil {
		return err
	}
	vm.drives = append(vm.drives, drive{
		DriveID:      cfg.Name,
		PathOnHost:   abs,
		IsRootDevice: isRoot,
		IsReadOnly:   readOnly,
	})
	return nil
}

func (vm *ActiveVM) sendConfig(cfg *VMConfig) error {
	if err := vm.api.put("/boot-source", cfg.Boot); err != nil {
		return fmt.Errorf("error sending boot config: %w", err)
	}
	if err := vm.api.put("/machine-config", cfg.Machine); err != nil {
		return fmt.Errorf("error sending machine config: %w", err)
	}
	for _, d := range vm.drives {
		if err := vm.api.put("/drives/"+d.DriveID, d); err != nil {
			return fmt.Errorf("error configuring drive %s: %w", d.DriveID, err)
		}
	}
	if err := vm.api.put("/vsock", vsockConfig{GuestCID: 3, UDSPath: vm.vsockPath}); err != nil {
		return fmt.Errorf("error configuring vsock: %w", err)
	}
	if err := vm.api.put("/actions", action{ActionType: "InstanceStart"}); err != nil {
		return fmt.Errorf("error starting instance: %w", err)
	}
	return nil
}

// ConnectAgent dials the in-guest agent through the vsock multiplexer with
// bounded, cancellation-aware retries.
func (vm *ActiveVM) ConnectAgent() (*rpc.Client, error) {
	return rpc.Retry(func() (*rpc.Client, error) {
		log.WithComponent("firecracker").Debug().
			Str("vsock", vm.vsockPath).
			Uint32("port", agentVsockPort).
			Msg("Connecting to agent")
		return rpc.DialFirecrackerVsock(vm.vsockPath, agentVsockPort)
	})
}

// WaitForExit blocks until the VM process exits.
func (vm *ActiveVM) WaitForExit() error {
	err := <-vm.waitDone
	vm.collected = true
	if err != nil {
		return fmt.Errorf("VM exited with error: %w", err)
	}
	return nil
}

// WaitForExitTimeout waits up to timeout for a clean exit, then kills.
func (vm *ActiveVM) WaitForExitTimeout(timeout time.Duration) error {
	err, exited := lifecycle.WaitTimeout(vm.waitDone, timeout)
	if !exited {
		vm.Stop()
		return fmt.Errorf("VM timed out after %s", timeout)
	}
	vm.collected = true
	if err != nil {
		return fmt.Errorf("VM exited with error: %w", err)
	}
	return nil
}

// Stop kills the VM process if it is still running.
func (vm *ActiveVM) Stop() {
	if vm.collected {
		return
	}
	_ = vm.cmd.Process.Kill()
	<-vm.waitDone
	vm.collected = true
}

// copyFile streams src to dst; disk images run to many GiB.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
