// Package imagebuilder produces the cached ext4 disk images guests boot
// from. Images are content-addressed by source metadata: a cached file is
// reused while it is at least as new as its source and exactly the computed target
// size, which stays cheap even for multi-GiB images.
package imagebuilder

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/docker"
)

// extraImageBytes is the slack added over the measured source size when no
// explicit target size is configured.
const extraImageBytes = 1000

// blockSize aligns image sizes to disk sectors.
const blockSize = 512

// PathToCopy maps one host source path into the image.
type PathToCopy struct {
	Src string `mapstructure:"src"`
	Dst string `mapstructure:"dst"`
}

// HostSource builds an image from host file trees.
type HostSource struct {
	Paths []PathToCopy `mapstructure:"paths"`
}

// Source describes where an image's contents come from and how large the
// image file should be.
type Source struct {
	// Kind is "docker" or "host".
	Kind string `mapstructure:"kind"`

	Docker *docker.Source `mapstructure:"docker"`
	Host   *HostSource    `mapstructure:"host"`

	// Size, when set, fixes the image file size. It must be at least the
	// measured source size.
	Size *uint64 `mapstructure:"size"`
}

// Validate checks the source discriminator.
func (s *Source) Validate() error {
	switch s.Kind {
	case "docker":
		if s.Docker == nil {
			return fmt.Errorf("docker image source missing [docker] table")
		}
	case "host":
		if s.Host == nil {
			return fmt.Errorf("host image source missing [host] table")
		}
	default:
		return fmt.Errorf("unknown image source kind: %q", s.Kind)
	}
	return nil
}

// TargetSize computes the final image file size from the measured source
// size: the explicit size when configured (a configuration error if smaller
// than measured), otherwise measured plus slack; either way the result is
// rounded up to a block boundary.
func (s *Source) TargetSize(measured uint64) (uint64, error) {
	base := measured + extraImageBytes
	if s.Size != nil {
		if *s.Size < measured {
			return 0, fmt.Errorf(
				"target size (%d bytes) too small (required %d bytes)", *s.Size, measured,
			)
		}
		base = *s.Size
	}
	return alignToBlockSize(base), nil
}

func alignToBlockSize(size uint64) uint64 {
	return (size + blockSize - 1) &^ (blockSize - 1)
}

// measure returns the total source size and newest modification time.
func (s *Source) measure() (uint64, time.Time, error) {
	switch s.Kind {
	case "docker":
		size, err := docker.ImageSize(s.Docker.Tag)
		if err != nil {
			return 0, time.Time{}, err
		}
		created, err := docker.ImageCreated(s.Docker.Tag)
		if err != nil {
			return 0, time.Time{}, err
		}
		return size, created, nil

	case "host":
		var total uint64
		var newest time.Time
		for _, path := range s.Host.Paths {
			size, modified, err := measureTree(path.Src)
			if err != nil {
				return 0, time.Time{}, err
			}
			total += size
			if modified.After(newest) {
				newest = modified
			}
		}
		return total, newest, nil
	}
	return 0, time.Time{}, fmt.Errorf("unknown image source kind: %q", s.Kind)
}

// measureTree walks a host tree summing on-disk sizes and tracking the
// newest mtime.
func measureTree(root string) (uint64, time.Time, error) {
	var total uint64
	var newest time.Time

	err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		total += onDiskSize(info)
		if modified := info.ModTime(); modified.After(newest) {
			newest = modified
		}
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("error walking %s: %w", root, err)
	}
	return total, newest, nil
}

// onDiskSize is the block-aligned space a file actually occupies.
func onDiskSize(info fs.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		// st_blocks counts 512-byte units regardless of the fs block size.
		return uint64(stat.Blocks) * 512
	}
	return alignToBlockSize(uint64(info.Size()))
}
