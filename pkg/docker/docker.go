// Package docker drives the Docker CLI for the container worker backend and
// for container-sourced disk images: building contexts, inspecting images,
// exporting their contents, and supervising detached worker containers.
package docker

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/log"
)

// Source describes a container image used to produce a root file system.
type Source struct {
	// Tag is the image name used for building and exporting.
	Tag string `mapstructure:"tag"`

	// BuildPath is the docker build context for Tag.
	BuildPath string `mapstructure:"build_path"`

	// Copy lists container paths exported into the file system.
	Copy []string `mapstructure:"copy"`

	// CreateDirs lists empty folders created in the file system, typically
	// future mount points.
	CreateDirs []string `mapstructure:"create_dirs"`
}

// runOutput runs cmd, returning trimmed stdout and attaching stderr to the
// error on failure.
func runOutput(cmd *exec.Cmd) (string, error) {
	lg := log.WithComponent("docker")
	lg.Debug().Strs("cmd", cmd.Args).Msg("Running")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%v failed: %s", cmd.Args, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// run is runOutput for commands whose stdout is noise.
func run(cmd *exec.Cmd) error {
	_, err := runOutput(cmd)
	return err
}

// BuildImage builds tag from the context at root.
func BuildImage(tag, root string, noCache bool) error {
	args := []string{"build", "-t", tag, root}
	if noCache {
		args = append(args, "--no-cache")
	}
	return run(exec.Command("docker", args...))
}

// ImageSize asks the engine for the size of tag in bytes.
func ImageSize(tag string) (uint64, error) {
	out, err := runOutput(exec.Command("docker", "image", "inspect", tag, "--format", "{{.Size}}"))
	if err != nil {
		return 0, fmt.Errorf("error inspecting size of docker image: %w", err)
	}
	size, err := strconv.ParseUint(strings.Trim(out, "'"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("error parsing image size %q: %w", out, err)
	}
	return size, nil
}

// ImageCreated asks the engine when tag was created.
func ImageCreated(tag string) (time.Time, error) {
	out, err := runOutput(exec.Command("docker", "image", "inspect", tag, "--format", "{{.Created}}"))
	if err != nil {
		return time.Time{}, fmt.Errorf("error inspecting creation date of docker image: %w", err)
	}
	created, err := time.Parse(time.RFC3339Nano, strings.Trim(out, "'"))
	if err != nil {
		return time.Time{}, fmt.Errorf("error parsing image creation date %q: %w", out, err)
	}
	return created, nil
}

// MountType selects the docker mount flavor.
type MountType string

const (
	MountBind   MountType = "bind"
	MountVolume MountType = "volume"
	MountTmpFs  MountType = "tmpfs"
)

// Mount is one --mount argument.
type Mount struct {
	Type        MountType
	Source      string
	Destination string
}

func (m Mount) arg() string {
	return fmt.Sprintf("type=%s,source=%s,destination=%s", m.Type, m.Source, m.Destination)
}

// Container is a created or running container owned by the harness.
type Container struct {
	name    string
	active  bool
	removed bool
}

// CreateContainer creates (without starting) a container from image.
func CreateContainer(image string, mounts []Mount) (*Container, error) {
	args := []string{"create", image}
	for _, mount := range mounts {
		args = append(args, "--mount", mount.arg())
	}
	name, err := runOutput(exec.Command("docker", args...))
	if err != nil {
		return nil, err
	}
	return &Container{name: name}, nil
}

// RunDetached starts a container in the background as the invoking user, so
// files it writes into bind mounts stay owned by them.
func RunDetached(image string, mounts []Mount, command ...string) (*Container, error) {
	args := []string{"run", "-u", fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()), "-d"}
	for _, mount := range mounts {
		args = append(args, "--mount", mount.arg())
	}
	args = append(args, image)
	args = append(args, command...)

	name, err := runOutput(exec.Command("docker", args...))
	if err != nil {
		return nil, err
	}
	return &Container{name: name, active: true}, nil
}

// AttachCommand returns a command that attaches to the container's stdio.
func (c *Container) AttachCommand() *exec.Cmd {
	return exec.Command("docker", "attach", c.name)
}

// Remove stops (if needed) and removes the container. Idempotent.
func (c *Container) Remove() error {
	if c.removed {
		return nil
	}
	if c.active {
		if err := run(exec.Command("docker", "stop", "-t", "1", c.name)); err != nil {
			return fmt.Errorf("failed to stop container: %w", err)
		}
		c.active = false
	}
	if err := run(exec.Command("docker", "rm", c.name)); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	c.removed = true
	return nil
}

// ExportPath streams container path src as a tar archive into dstFile.
// docker cp straight onto a directory is flaky, so the extraction happens
// separately from the tar file.
func (c *Container) ExportPath(src, dstFile string) error {
	out, err := os.Create(dstFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file for copying: %w", err)
	}
	defer out.Close()

	cmd := exec.Command("docker", "cp", fmt.Sprintf("%s:/%s", c.name, strings.TrimPrefix(src, "/")), "-")
	cmd.Stdout = out
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("error running docker cp: %s", strings.TrimSpace(stderr.String()))
	}
	return nil
}
