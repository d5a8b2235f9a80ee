// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"gotest.tools/v3/assert"
)

func newPlanner(t *testing.T, root string) (*Planner, *bwrap.Bwrap) {
	t.Helper()
	host, err := Open(root)
	assert.NilError(t, err)
	t.Cleanup(func() { host.Close() })

	b := bwrap.New()
	return New(b, host), b
}

// Open is a test alias so the fixture builder reads naturally.
func Open(root string) (*sysroot.Sysroot, error) {
	return sysroot.Open(root)
}

func TestExposeReadOnly(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "opt/data"), 0o755))

	p, b := newPlanner(t, root)
	p.Expose(ModeReadOnly, "/opt/data")

	assert.DeepEqual(t, b.Args(), []string{
		"--ro-bind", filepath.Join(root, "opt/data"), "/opt/data",
	})
}

func TestExposeMissingIsQuiet(t *testing.T) {
	root := t.TempDir()
	p, b := newPlanner(t, root)

	p.Expose(ModeReadOnly, "/no/such/path")
	assert.Assert(t, len(b.Args()) == 0)
}

func TestExposeReadWriteAndMask(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "var/tmp"), 0o755))

	p, b := newPlanner(t, root)
	p.Expose(ModeReadWrite, "/var/tmp")
	p.Mask("/usr/share/vulkan/implicit_layer.d")

	assert.DeepEqual(t, b.Args(), []string{
		"--bind", filepath.Join(root, "var/tmp"), "/var/tmp",
		"--tmpfs", "/usr/share/vulkan/implicit_layer.d",
	})
}

func TestExportSymlinkTargets(t *testing.T) {
	root := t.TempDir()

	// simulated host with a driver file
	hostLib := filepath.Join(root, "hostgfx/lib")
	assert.NilError(t, os.MkdirAll(hostLib, 0o755))
	driver := filepath.Join(hostLib, "libGLX_nvidia.so.0")
	assert.NilError(t, os.WriteFile(driver, []byte("elf"), 0o644))

	// overrides directory full of symlinks
	overrides := filepath.Join(root, "overrides-staging/lib/x86_64-linux-gnu")
	assert.NilError(t, os.MkdirAll(overrides, 0o755))
	// target is host-absolute as the planner's root sees it
	assert.NilError(t, os.Symlink("/hostgfx/lib/libGLX_nvidia.so.0", filepath.Join(overrides, "libGLX_nvidia.so.0")))
	// container-internal target: excluded
	assert.NilError(t, os.Symlink("/usr/lib/libm.so.6", filepath.Join(overrides, "libm.so.6")))
	// relative target: ignored
	assert.NilError(t, os.Symlink("libGLX_nvidia.so.0", filepath.Join(overrides, "libGLX_nvidia.so")))

	p, b := newPlanner(t, root)
	err := p.ExportSymlinkTargets(filepath.Join(root, "overrides-staging"), "/overrides")
	assert.NilError(t, err)

	// only the host driver target is exposed
	assert.DeepEqual(t, b.Args(), []string{
		"--ro-bind", driver, "/hostgfx/lib/libGLX_nvidia.so.0",
	})
}
