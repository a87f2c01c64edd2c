// Package firecracker manages the microVM worker backend: spawning the VM
// subprocess, configuring it over its HTTP-over-unix-socket API, connecting
// to the in-guest agent through vsock, and tearing everything down.
package firecracker

import (
	"fmt"
	"time"
)

// MountKind selects how a drive image is exposed to the VM.
type MountKind string

const (
	// MountReadOnly mounts the image read only.
	MountReadOnly MountKind = "read_only"
	// MountDuplicate copies the image into the workdir once and mounts the
	// copy read/write.
	MountDuplicate MountKind = "duplicate"
	// MountReuseDuplicate requires a copy from a prior run and mounts it
	// read/write; missing copies are an error.
	MountReuseDuplicate MountKind = "reuse_duplicate"
	// MountInPlace mounts the source image read/write, mutating it. For
	// destructive workflows only.
	MountInPlace MountKind = "in_place"
)

// ParseMountKind validates a mount mode from configuration.
func ParseMountKind(raw string) (MountKind, error) {
	switch MountKind(raw) {
	case MountReadOnly, MountDuplicate, MountReuseDuplicate, MountInPlace:
		return MountKind(raw), nil
	}
	return "", fmt.Errorf("invalid mount mode: %q", raw)
}

// MachineConfig is the firecracker machine-config API payload.
type MachineConfig struct {
	SMT        bool   `json:"smt" mapstructure:"smt"`
	MemSizeMib uint64 `json:"mem_size_mib" mapstructure:"mem_size_mib"`
	VcpuCount  uint8  `json:"vcpu_count" mapstructure:"vcpu_count"`
}

// DefaultMachineConfig is a one-core half-gigabyte guest.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{SMT: false, MemSizeMib: 512, VcpuCount: 1}
}

// BootSource is the firecracker boot-source API payload.
type BootSource struct {
	KernelImagePath string `json:"kernel_image_path"`
	BootArgs        string `json:"boot_args"`
}

// DriveConfig names one disk image and how to mount it.
type DriveConfig struct {
	Name  string
	Path  string
	Mount MountKind
}

// VMConfig is everything needed to bring up one guest.
type VMConfig struct {
	// Bin is the path to the firecracker binary.
	Bin string

	// BootDelay is how long to wait before connecting to the agent.
	BootDelay time.Duration

	// KernelEntropy is injected into the guest entropy pool after connect.
	KernelEntropy []uint32

	// RecreateWorkdir wipes the worker's guest directory between trials.
	RecreateWorkdir bool

	Boot    BootSource
	Machine MachineConfig
	Rootfs  DriveConfig
	Drives  []DriveConfig
}
