package imagebuilder

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/docker"
	"github.com/cuemby/burrow/pkg/log"
)

// Cache locates the image cache and its validation knobs.
type Cache struct {
	// Dir holds every cached artifact: images, binaries, worker dirs.
	Dir string

	// SkipValidation trusts any existing image file without checking it
	// against its source.
	SkipValidation bool

	// DisableCache forces a rebuild even when the cached image is current.
	DisableCache bool
}

// ImagePath returns the cache path of a named image, verifying it exists.
func ImagePath(name string, cache Cache) (string, error) {
	path := filepath.Join(cache.Dir, name+".ext4")
	// The image could still be deleted before it is opened; checking here
	// catches the common never-built case with an actionable message.
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf(
			"failed to find image for %q: %w\n\n(you may need to run `burrow build` first!)", name, err,
		)
	}
	return path, nil
}

// decideReuse is the cache-hit rule: reuse while the cached file is at
// least as new as the source and exactly the target size.
func decideReuse(cachedModified *time.Time, cachedSize uint64, sourceModified time.Time, targetSize uint64) bool {
	if cachedModified == nil {
		return false
	}
	sourceIsNewer := cachedModified.Before(sourceModified)
	return !sourceIsNewer && cachedSize == targetSize
}

// BuildImage materializes one named image, reusing the cached file when it
// is still current. Returns the image path.
func BuildImage(name string, source *Source, cache Cache) (string, error) {
	logger := log.WithComponent("image-builder")
	path := filepath.Join(cache.Dir, name+".ext4")

	if err := source.Validate(); err != nil {
		return "", err
	}

	var cachedModified *time.Time
	var cachedSize uint64
	if info, err := os.Stat(path); err == nil {
		if cache.SkipValidation {
			logger.Debug().Str("image", name).Msg("Existing image found, skipping validation")
			return path, nil
		}
		if !cache.DisableCache {
			modified := info.ModTime()
			cachedModified = &modified
		}
		cachedSize = uint64(info.Size())
	}

	// Container-sourced images are built through the engine first so the
	// measured metadata reflects the current context.
	if source.Kind == "docker" {
		if err := docker.BuildImage(source.Docker.Tag, source.Docker.BuildPath, cache.DisableCache); err != nil {
			return "", err
		}
	}

	measured, sourceModified, err := source.measure()
	if err != nil {
		return "", fmt.Errorf("error computing metadata: %w", err)
	}
	targetSize, err := source.TargetSize(measured)
	if err != nil {
		return "", err
	}

	if decideReuse(cachedModified, cachedSize, sourceModified, targetSize) {
		logger.Info().Str("image", name).Msg("Cached image is up to date, skipping image creation")
		return path, nil
	}

	logger.Info().
		Str("image", name).
		Uint64("size", targetSize).
		Time("source_modified", sourceModified).
		Msg("Rebuilding image")

	guard, err := initFS(path, targetSize)
	if err != nil {
		return "", fmt.Errorf("failed to initialize file system: %w", err)
	}
	defer guard.Cleanup()

	mountPath := filepath.Join(os.TempDir(), "burrow-image-builder-"+name)
	mount, err := mountFileSystem(path, mountPath)
	if err != nil {
		return "", err
	}
	defer mount.Unmount()

	if err := copySource(source, mount); err != nil {
		return "", err
	}
	if err := mount.Unmount(); err != nil {
		return "", err
	}

	guard.Commit()
	return path, nil
}

func copySource(source *Source, mount *mountHandle) error {
	switch source.Kind {
	case "docker":
		return copyDockerSource(source.Docker, mount.path)
	case "host":
		for _, entry := range source.Host.Paths {
			if err := mount.copyFrom(entry.Src, entry.Dst); err != nil {
				return fmt.Errorf("error copying %s to %s: %w", entry.Src, entry.Dst, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown image source kind: %q", source.Kind)
}

// copyDockerSource exports the configured container paths into root and
// creates the requested empty directories.
func copyDockerSource(source *docker.Source, root string) error {
	container, err := docker.CreateContainer(source.Tag, nil)
	if err != nil {
		return err
	}
	defer container.Remove()

	scratch := filepath.Join(os.TempDir(), "burrow-docker-extract-"+uuid.NewString())
	defer os.Remove(scratch)

	for _, path := range source.Copy {
		if err := container.ExportPath(path, scratch); err != nil {
			return err
		}
		if err := runChecked("tar", "-xpf", scratch, "-C", root); err != nil {
			return fmt.Errorf("error unpacking archive: %w", err)
		}
	}

	if err := container.Remove(); err != nil {
		return err
	}

	for _, dir := range source.CreateDirs {
		if err := runChecked("mkdir", filepath.Join(root, dir)); err != nil {
			return err
		}
	}
	return nil
}

// BuildAll materializes every configured image; used by `burrow build`.
func BuildAll(images map[string]*Source, names []string, cache Cache) error {
	for _, name := range names {
		if _, err := BuildImage(name, images[name], cache); err != nil {
			return fmt.Errorf("failed to build %s: %w", name, err)
		}
	}
	return nil
}
