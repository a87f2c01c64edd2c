package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/steps"
)

const baseConfig = `
cache_dir = ".test-cache"
vars = ["DATA=./data", "OUT={DATA}/out"]

[templates]
fuzz = "templates/fuzz.yaml"

[firecracker]
path = "/usr/bin/firecracker"

[firecracker.kernel]
path = "/opt/vmlinux"
boot_args = "console=ttyS0 reboot=k panic=1"
entropy = [1, 2, 3]

[local_worker]
workdir = "/tmp/local-work"

[images.rootfs]
kind = "docker"
size = 2147483648

[images.rootfs.docker]
tag = "bench/rootfs"
build_path = "docker/rootfs"
copy = ["usr", "bin"]
create_dirs = ["data"]

[images.corpus]
kind = "host"

[[images.corpus.host.paths]]
src = "corpus/demo"
dst = "demo"

[instances.default]
boot_delay_sec = 7

[instances.default.machine]
smt = false
mem_size_mib = 1024
vcpu_count = 2

[instances.default.rootfs]
name = "root"
image = "rootfs"
mount_as = "read_only"

[[instances.default.drives]]
name = "corpus"
image = "corpus"
mount_as = "duplicate"

[tasks.smoke]
instance = "default"
vars = ["TAG=smoke-{TRIAL}"]
steps = """
- run: {command: "./fuzz", duration: 30s}
- copy_file: {src: stats.csv, dst: "{OUT}/stats.csv"}
"""
`

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.toml", baseConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ".test-cache", cfg.CacheDir)
	assert.Equal(t, []string{"DATA=./data", "OUT={DATA}/out"}, cfg.Vars)
	assert.Equal(t, "templates/fuzz.yaml", cfg.Templates["fuzz"])

	require.NotNil(t, cfg.Firecracker)
	assert.Equal(t, "/usr/bin/firecracker", cfg.Firecracker.Path)
	assert.Equal(t, []uint32{1, 2, 3}, cfg.Firecracker.Kernel.Entropy)

	require.NotNil(t, cfg.LocalWorker)
	assert.Equal(t, "/tmp/local-work", cfg.LocalWorker.Workdir)

	rootfs := cfg.Data.Images["rootfs"]
	require.NotNil(t, rootfs)
	assert.Equal(t, "docker", rootfs.Kind)
	require.NotNil(t, rootfs.Docker)
	assert.Equal(t, "bench/rootfs", rootfs.Docker.Tag)
	require.NotNil(t, rootfs.Size)
	assert.EqualValues(t, 2147483648, *rootfs.Size)

	corpus := cfg.Data.Images["corpus"]
	require.NotNil(t, corpus)
	require.NotNil(t, corpus.Host)
	require.Len(t, corpus.Host.Paths, 1)
	assert.Equal(t, "corpus/demo", corpus.Host.Paths[0].Src)

	instance := cfg.Data.Instances["default"]
	require.NotNil(t, instance)
	assert.EqualValues(t, 7, instance.BootDelaySeconds())
	assert.True(t, instance.ShouldRecreateWorkdir(), "recreate_workdir defaults to true")
	assert.EqualValues(t, 2, instance.Machine.VcpuCount)
	assert.Equal(t, "read_only", instance.Rootfs.MountAs)

	task, err := cfg.Task("smoke")
	require.NoError(t, err)
	parsed, err := task.ParseSteps()
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, steps.KindRun, parsed[0].Kind)

	_, err = cfg.Task("missing")
	assert.Error(t, err)

	assert.Equal(t, []string{"corpus", "rootfs"}, cfg.ImageNames())
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.toml", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".burrow-cache", cfg.CacheDir)
}

func TestIncludesMergeAndRejectRedefinition(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "extra.toml", `
[tasks.extra]
instance = "default"
steps = "- sleep: {seconds: 1}"
`)
	path := writeConfig(t, dir, "config.toml", `
include = ["extra.toml"]

[tasks.smoke]
instance = "default"
steps = "- sleep: {seconds: 1}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Data.Tasks, 2)

	// A second include redefining a task is a configuration error.
	writeConfig(t, dir, "dupe.toml", `
[tasks.smoke]
instance = "default"
steps = "- sleep: {seconds: 1}"
`)
	path = writeConfig(t, dir, "config2.toml", `
include = ["dupe.toml"]

[tasks.smoke]
instance = "default"
steps = "- sleep: {seconds: 1}"
`)
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redefinition")
}

func TestInvalidMountModeRejected(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.toml", `
[images.rootfs]
kind = "host"
[images.rootfs.host]
paths = []

[instances.bad.rootfs]
name = "root"
image = "rootfs"
mount_as = "sideways"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mount mode")
}

func TestParseVars(t *testing.T) {
	parsed, err := ParseVars([]string{"A=1", "B = 2"})
	require.NoError(t, err)
	assert.Equal(t, "1", parsed[0].Value)
	assert.Equal(t, "B", parsed[1].Key)

	_, err = ParseVars([]string{"broken"})
	assert.Error(t, err)
}
