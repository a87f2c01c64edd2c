package firecracker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func testVM(t *testing.T) (*ActiveVM, string) {
	t.Helper()
	workdir := t.TempDir()
	return &ActiveVM{Workdir: workdir}, workdir
}

func writeImage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestAddDriveReadOnly(t *testing.T) {
	vm, _ := testVM(t)
	image := writeImage(t, t.TempDir(), "root.ext4", "rootfs")

	require.NoError(t, vm.addDrive(&DriveConfig{Name: "root", Path: image, Mount: MountReadOnly}, true))
	require.Len(t, vm.drives, 1)

	assert.True(t, vm.drives[0].IsReadOnly)
	assert.True(t, vm.drives[0].IsRootDevice)
	assert.Equal(t, image, vm.drives[0].PathOnHost)
}

func TestAddDriveDuplicateCopiesOnce(t *testing.T) {
	vm, workdir := testVM(t)
	image := writeImage(t, t.TempDir(), "data.ext4", "v1")

	require.NoError(t, vm.addDrive(&DriveConfig{Name: "data", Path: image, Mount: MountDuplicate}, false))

	copyPath := filepath.Join(workdir, "data.ext4")
	data, err := os.ReadFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.False(t, vm.drives[0].IsReadOnly)

	// A second add must reuse the existing copy, not overwrite it.
	require.NoError(t, os.WriteFile(copyPath, []byte("scribbled"), 0o644))
	vm.drives = nil
	require.NoError(t, vm.addDrive(&DriveConfig{Name: "data", Path: image, Mount: MountDuplicate}, false))
	data, err = os.ReadFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, "scribbled", string(data))
}

func TestAddDriveReuseDuplicateRequiresCopy(t *testing.T) {
	vm, workdir := testVM(t)
	image := writeImage(t, t.TempDir(), "data.ext4", "v1")

	err := vm.addDrive(&DriveConfig{Name: "data", Path: image, Mount: MountReuseDuplicate}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	writeImage(t, workdir, "data.ext4", "prior")
	require.NoError(t, vm.addDrive(&DriveConfig{Name: "data", Path: image, Mount: MountReuseDuplicate}, false))
	assert.Equal(t, filepath.Join(workdir, "data.ext4"), vm.drives[0].PathOnHost)
}

func TestAddDriveInPlace(t *testing.T) {
	vm, _ := testVM(t)
	image := writeImage(t, t.TempDir(), "scratch.ext4", "mutable")

	require.NoError(t, vm.addDrive(&DriveConfig{Name: "scratch", Path: image, Mount: MountInPlace}, false))
	assert.False(t, vm.drives[0].IsReadOnly)
	assert.Equal(t, image, vm.drives[0].PathOnHost)
}

func TestAddDriveMissingImage(t *testing.T) {
	vm, _ := testVM(t)
	err := vm.addDrive(&DriveConfig{Name: "root", Path: "/nonexistent.ext4", Mount: MountReadOnly}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestParseMountKind(t *testing.T) {
	for _, valid := range []string{"read_only", "duplicate", "reuse_duplicate", "in_place"} {
		kind, err := ParseMountKind(valid)
		require.NoError(t, err)
		assert.EqualValues(t, valid, kind)
	}
	_, err := ParseMountKind("read_write")
	assert.Error(t, err)
}
