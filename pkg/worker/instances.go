package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/docker"
	"github.com/cuemby/burrow/pkg/firecracker"
	"github.com/cuemby/burrow/pkg/imagebuilder"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/setup"
)

// BackendKind selects which guest environment workers use.
type BackendKind string

const (
	BackendLocal       BackendKind = "local"
	BackendFirecracker BackendKind = "firecracker"
	BackendDocker      BackendKind = "docker"
	BackendDummy       BackendKind = "dummy"
)

// ParseBackendKind validates a --backend value.
func ParseBackendKind(raw string) (BackendKind, error) {
	switch BackendKind(raw) {
	case BackendLocal, BackendFirecracker, BackendDocker, BackendDummy:
		return BackendKind(raw), nil
	}
	return "", fmt.Errorf("invalid worker backend: %q", raw)
}

// StartWorkers builds a pool with count workers of the requested backend.
func StartWorkers(cfg *config.Config, kind BackendKind, count int) (*Pool, error) {
	pool := NewPool()

	switch kind {
	case BackendLocal:
		if cfg.LocalWorker == nil {
			return nil, fmt.Errorf("no local worker config")
		}
		for i := 0; i < count; i++ {
			pool.AddWorker(WorkerID("local", i), &LocalWorker{
				Workdir: cfg.LocalWorker.Workdir,
				Index:   i,
			})
		}

	case BackendFirecracker:
		instances, err := FirecrackerInstances(cfg)
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			pool.AddWorker(WorkerID("vm", i), &FirecrackerWorker{
				ID:        WorkerID("vm", i),
				Index:     i,
				Instances: instances,
			})
		}

	case BackendDocker:
		instances, err := DockerInstances(cfg)
		if err != nil {
			return nil, err
		}
		for i := 0; i < count; i++ {
			pool.AddWorker(WorkerID("container", i), &DockerWorker{
				ID:        WorkerID("container", i),
				Index:     i,
				Instances: instances,
			})
		}

	case BackendDummy:
		for i := 0; i < count; i++ {
			pool.AddWorker(WorkerID("dummy", i), &StubWorker{Index: i})
		}

	default:
		return nil, fmt.Errorf("invalid worker backend: %q", kind)
	}

	lg := log.WithComponent("pool")
	lg.Info().Int("workers", count).Str("backend", string(kind)).Msg("Workers started")
	return pool, nil
}

// FirecrackerInstances resolves every configured instance into a ready
// VMConfig: binaries fetched, image paths checked, mount modes validated.
func FirecrackerInstances(cfg *config.Config) (map[string]*firecracker.VMConfig, error) {
	if cfg.Firecracker == nil {
		return nil, fmt.Errorf("[firecracker] config missing")
	}
	cache := cfg.Cache()
	logger := log.WithComponent("firecracker")

	// The binary and kernel downloads are independent.
	var binPath, kernelPath string
	var group errgroup.Group
	group.Go(func() error {
		var err error
		binPath, err = setup.Fetch(setup.BinarySpec{
			Name:   "firecracker",
			Path:   cfg.Firecracker.Path,
			URL:    cfg.Firecracker.URL,
			SHA256: cfg.Firecracker.SHA256,
		}, cache)
		return err
	})
	group.Go(func() error {
		var err error
		kernelPath, err = setup.Fetch(setup.BinarySpec{
			Name:   "vmlinux",
			Path:   cfg.Firecracker.Kernel.Path,
			URL:    cfg.Firecracker.Kernel.URL,
			SHA256: cfg.Firecracker.Kernel.SHA256,
		}, cache)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}
	logger.Debug().Str("firecracker", binPath).Str("kernel", kernelPath).Msg("Binaries resolved")

	imagePaths := make(map[string]string, len(cfg.Data.Images))
	for name := range cfg.Data.Images {
		path, err := imagebuilder.ImagePath(name, cache)
		if err != nil {
			return nil, err
		}
		imagePaths[name] = path
	}

	instances := make(map[string]*firecracker.VMConfig, len(cfg.Data.Instances))
	for name, instance := range cfg.Data.Instances {
		vmConfig, err := buildVMConfig(cfg, instance, binPath, kernelPath, imagePaths)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s: %w", name, err)
		}
		instances[name] = vmConfig
	}
	return instances, nil
}

func buildVMConfig(
	cfg *config.Config,
	instance *config.InstanceConfig,
	binPath, kernelPath string,
	imagePaths map[string]string,
) (*firecracker.VMConfig, error) {
	rootfs, err := resolveDrive(&instance.Rootfs, imagePaths)
	if err != nil {
		return nil, err
	}

	drives := make([]firecracker.DriveConfig, 0, len(instance.Drives))
	for i := range instance.Drives {
		drive, err := resolveDrive(&instance.Drives[i], imagePaths)
		if err != nil {
			return nil, err
		}
		drives = append(drives, drive)
	}

	return &firecracker.VMConfig{
		Bin:             binPath,
		BootDelay:       time.Duration(instance.BootDelaySeconds()) * time.Second,
		KernelEntropy:   cfg.Firecracker.Kernel.Entropy,
		RecreateWorkdir: instance.ShouldRecreateWorkdir(),
		Boot: firecracker.BootSource{
			KernelImagePath: kernelPath,
			BootArgs:        cfg.Firecracker.Kernel.BootArgs,
		},
		Machine: instance.Machine,
		Rootfs:  rootfs,
		Drives:  drives,
	}, nil
}

func resolveDrive(ref *config.DriveRef, imagePaths map[string]string) (firecracker.DriveConfig, error) {
	path, ok := imagePaths[ref.Image]
	if !ok {
		return firecracker.DriveConfig{}, fmt.Errorf("failed to find image: %s", ref.Image)
	}
	mount, err := firecracker.ParseMountKind(ref.MountAs)
	if err != nil {
		return firecracker.DriveConfig{}, fmt.Errorf("drive %s: %w", ref.Name, err)
	}
	return firecracker.DriveConfig{Name: ref.Name, Path: path, Mount: mount}, nil
}

// DockerInstances builds every docker worker image and stages its mount
// sources under the cache dir, so containers never mutate user-owned paths
// in place.
func DockerInstances(cfg *config.Config) (map[string]*docker.Config, error) {
	names := make([]string, 0, len(cfg.Data.Docker))
	for name := range cfg.Data.Docker {
		names = append(names, name)
	}
	sort.Strings(names)

	instances := make(map[string]*docker.Config, len(names))
	for _, name := range names {
		instance := cfg.Data.Docker[name]
		if err := docker.BuildImage(name, instance.BuildPath, false); err != nil {
			return nil, err
		}

		var mounts [][2]string
		for _, mount := range instance.Mount {
			staged, err := stageMountSource(cfg, &mount)
			if err != nil {
				return nil, err
			}
			mounts = append(mounts, [2]string{staged, mount.Name})
		}

		instances[name] = &docker.Config{
			Image:   name,
			Workdir: filepath.Join(cfg.CacheDir, name+"-workdir"),
			Mounts:  mounts,
		}
	}
	return instances, nil
}

// stageMountSource copies a host-file image source into the cache dir once
// and returns the staged path.
func stageMountSource(cfg *config.Config, mount *config.DriveRef) (string, error) {
	staged := filepath.Join(cfg.CacheDir, mount.Image)
	if _, err := os.Stat(staged); err == nil {
		return staged, nil
	}

	source, err := cfg.DockerMountSource(mount.Image)
	if err != nil {
		return "", err
	}
	for _, entry := range source.Paths {
		if err := imagebuilder.CopyInto(entry.Src, filepath.Join(staged, entry.Dst)); err != nil {
			return "", err
		}
	}
	return staged, nil
}
