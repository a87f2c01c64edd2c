package imagebuilder

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/cuemby/burrow/pkg/lifecycle"
	"github.com/cuemby/burrow/pkg/log"
)

// runChecked runs a command, echoing it at DEBUG and attaching stderr to
// failures.
func runChecked(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	lg := log.WithComponent("image-builder")
	lg.Debug().Strs("cmd", cmd.Args).Msg("Running")

	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("`%s` failed: %s", strings.Join(cmd.Args, " "), strings.TrimSpace(stderr.String()))
	}
	return nil
}

// initFS allocates a zero-filled file of the target size and formats it as
// ext4. The returned guard deletes the half-built image unless committed.
func initFS(path string, size uint64) (*lifecycle.TempGuard, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to allocate %d bytes for %s: %w", size, path, err)
	}
	if err := file.Close(); err != nil {
		return nil, err
	}

	guard := lifecycle.NewTempGuard(path)
	if err := runChecked("mkfs.ext4", "-F", "-q", "-E", "lazy_itable_init=1", path); err != nil {
		guard.Cleanup()
		return nil, err
	}
	return guard, nil
}

// mountHandle is a mounted image file system; Unmount is idempotent.
type mountHandle struct {
	path string
}

// mountFileSystem mounts the image file at mountPath.
func mountFileSystem(file, mountPath string) (*mountHandle, error) {
	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mount point %s: %w", mountPath, err)
	}
	if err := runChecked("mount", file, mountPath); err != nil {
		return nil, err
	}
	return &mountHandle{path: mountPath}, nil
}

func (m *mountHandle) Unmount() error {
	if m.path == "" {
		return nil
	}
	path := m.path
	m.path = ""
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return runChecked("umount", path)
}

// copyFrom copies a host path into the mount under prefix.
func (m *mountHandle) copyFrom(from, prefix string) error {
	if m.path == "" {
		return fmt.Errorf("file system is not mounted")
	}
	return CopyInto(from, m.path+"/"+prefix)
}

// CopyInto copies from into the directory to, preserving attributes and
// following top-level symlinks the way image sources expect.
func CopyInto(from, to string) error {
	if err := runChecked("mkdir", "-p", to); err != nil {
		return err
	}
	return runChecked("cp", "-RL", "--preserve=all", from, to)
}
