// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/icd"
	"github.com/apptainer/vessel/internal/pkg/multiarch"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
)

// writeFakeELF writes a minimal ELF64 shared-object header, enough for
// debug/elf to report the machine and an empty dependency list.
func writeFakeELF(t *testing.T, path string, machine elf.Machine) {
	t.Helper()
	var buf [64]byte
	copy(buf[:], elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint16(buf[52:], 64)

	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, buf[:], 0o755))
}

// newTestEngine builds an engine over a provider tree in a tempdir,
// mounted at /run/host in the container.
func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	providerDir := t.TempDir()

	root, err := sysroot.OpenDirect(providerDir)
	assert.NilError(t, err)
	t.Cleanup(func() { root.Close() })

	e := &Engine{
		Provider: &Provider{
			Root:            root,
			PathInContainer: buildcfg.HOST_MOUNT,
			PathInCurrentNS: providerDir,
		},
		OverridesDir: t.TempDir(),
		LdCache:      map[string]string{},
	}
	return e, providerDir
}

func newArchWork(t *testing.T, e *Engine, arch *multiarch.Arch) *archWork {
	t.Helper()
	work := &archWork{
		arch:       arch,
		libDir:     filepath.Join(e.OverridesDir, "lib", arch.Tuple),
		libDirCT:   filepath.Join(buildcfg.OVERRIDES_DIR, "lib", arch.Tuple),
		identities: make(map[fileIdentity]string),
		captured:   make(map[string]string),
		manifests:  make(map[icd.Class][]string),
		cache:      e.LdCache,
	}
	assert.NilError(t, os.MkdirAll(work.libDir, 0o755))
	return work
}

func TestProviderPathTranslation(t *testing.T) {
	p := &Provider{
		PathInContainer: "/run/host",
		PathInCurrentNS: "/sysroots/host",
	}
	assert.Equal(t, p.InContainer("/usr/lib/libGL.so.1"), "/run/host/usr/lib/libGL.so.1")
	assert.Equal(t, p.InCurrentNS("/usr/lib/libGL.so.1"), "/sysroots/host/usr/lib/libGL.so.1")
	assert.Equal(t, p.FromContainer("/run/host/usr/lib/libGL.so.1"), "/usr/lib/libGL.so.1")
	assert.Equal(t, p.InProvider("/sysroots/host/usr/lib/libGL.so.1"), "/usr/lib/libGL.so.1")

	live := &Provider{PathInCurrentNS: "/"}
	assert.Equal(t, live.InContainer("/usr/lib/libGL.so.1"), "/usr/lib/libGL.so.1")
	assert.Equal(t, live.InCurrentNS("/usr/lib/libGL.so.1"), "/usr/lib/libGL.so.1")
}

func TestCaptureAbsoluteRecord(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	libPath := "/usr/lib/x86_64-linux-gnu/libEGL_nvidia.so.0"
	writeFakeELF(t, filepath.Join(providerDir, libPath), arch.Machine)

	record, err := icd.Parse(icd.ClassEGL, "/usr/share/glvnd/egl_vendor.d/10_nvidia.json",
		[]byte(`{"file_format_version":"1.0.0","ICD":{"library_path":"`+libPath+`"}}`))
	assert.NilError(t, err)

	work := newArchWork(t, e, arch)
	assert.NilError(t, e.captureRecord(work, record))

	state := record.Arch(arch.Tuple)
	assert.Equal(t, state.Classification, icd.ClassificationAbsolute)
	assert.Equal(t, state.ContainerPath,
		"/overrides/lib/x86_64-linux-gnu/libEGL_nvidia.so.0")

	link, err := os.Readlink(filepath.Join(work.libDir, "libEGL_nvidia.so.0"))
	assert.NilError(t, err)
	assert.Equal(t, link, "/run/host"+libPath)
}

func TestCaptureWrongMachineIsNonexistent(t *testing.T) {
	e, providerDir := newTestEngine(t)
	libPath := "/usr/lib/x86_64-linux-gnu/libEGL_nvidia.so.0"
	writeFakeELF(t, filepath.Join(providerDir, libPath), elf.EM_AARCH64)

	record, err := icd.Parse(icd.ClassEGL, "/etc/glvnd/egl_vendor.d/10_nvidia.json",
		[]byte(`{"ICD":{"library_path":"`+libPath+`"}}`))
	assert.NilError(t, err)

	work := newArchWork(t, e, multiarch.Primary())
	assert.NilError(t, e.captureRecord(work, record))
	assert.Equal(t, record.Arch(work.arch.Tuple).Classification,
		icd.ClassificationNonexistent)
}

func TestCaptureSonameRecord(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	real := filepath.Join(providerDir, "usr/lib/x86_64-linux-gnu/libvulkan_radeon.so")
	writeFakeELF(t, real, arch.Machine)
	e.LdCache["libvulkan_radeon.so"] = real

	record, err := icd.Parse(icd.ClassVulkanICD, "/usr/share/vulkan/icd.d/radeon_icd.x86_64.json",
		[]byte(`{"ICD":{"library_path":"libvulkan_radeon.so","api_version":"1.3.230"}}`))
	assert.NilError(t, err)

	work := newArchWork(t, e, arch)
	assert.NilError(t, e.captureRecord(work, record))

	state := record.Arch(arch.Tuple)
	assert.Equal(t, state.Classification, icd.ClassificationSoname)
	assert.Equal(t, state.ResolvedPath, "/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so")

	link, err := os.Readlink(filepath.Join(work.libDir, "libvulkan_radeon.so"))
	assert.NilError(t, err)
	assert.Equal(t, link, "/run/host/usr/lib/x86_64-linux-gnu/libvulkan_radeon.so")
}

func TestMetaLayerRecord(t *testing.T) {
	e, _ := newTestEngine(t)
	record, err := icd.Parse(icd.ClassVulkanImplicitLayer, "/usr/share/vulkan/implicit_layer.d/meta.json",
		[]byte(`{"layer":{"name":"VK_LAYER_META","component_layers":["VK_LAYER_A"]}}`))
	assert.NilError(t, err)
	assert.Assert(t, record.IsMetaLayer())

	work := newArchWork(t, e, multiarch.Primary())
	assert.NilError(t, e.captureRecord(work, record))
	assert.Equal(t, record.Arch(work.arch.Tuple).Classification,
		icd.ClassificationMetaLayer)
}

func TestDynamicTokensForeignProviderDropped(t *testing.T) {
	e, _ := newTestEngine(t)
	record, err := icd.Parse(icd.ClassEGL, "/etc/glvnd/egl_vendor.d/50_mesa.json",
		[]byte(`{"ICD":{"library_path":"$ORIGIN/../libEGL_mesa.so.0"}}`))
	assert.NilError(t, err)

	work := newArchWork(t, e, multiarch.Primary())
	assert.NilError(t, e.captureRecord(work, record))
	assert.Equal(t, record.Arch(work.arch.Tuple).Classification,
		icd.ClassificationNonexistent)
}

func TestBasenameCollisionUsesRecordDir(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	first := "/usr/lib/x86_64-linux-gnu/libEGL_vendor.so.0"
	second := "/opt/vendor/lib/libEGL_vendor.so.0"
	writeFakeELF(t, filepath.Join(providerDir, first), arch.Machine)
	writeFakeELF(t, filepath.Join(providerDir, second), arch.Machine)

	work := newArchWork(t, e, arch)

	ct, err := e.captureLibrary(work, filepath.Join(providerDir, first), true)
	assert.NilError(t, err)
	assert.Equal(t, ct, filepath.Join(work.libDirCT, "libEGL_vendor.so.0"))

	ct, err = e.captureLibrary(work, filepath.Join(providerDir, second), true)
	assert.NilError(t, err)
	assert.Equal(t, ct, filepath.Join(work.libDirCT, "0", "libEGL_vendor.so.0"))

	link, err := os.Readlink(filepath.Join(work.libDir, "0", "libEGL_vendor.so.0"))
	assert.NilError(t, err)
	assert.Equal(t, link, "/run/host"+second)
}

func TestDuplicateIdentityReplicatesSymlink(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	first := filepath.Join(providerDir, "usr/lib/x86_64-linux-gnu/libGLX_nvidia.so.0")
	writeFakeELF(t, first, arch.Machine)
	second := filepath.Join(providerDir, "usr/lib/x86_64-linux-gnu/libnvidia-alt.so.0")
	assert.NilError(t, os.Link(first, second))

	work := newArchWork(t, e, arch)
	_, err := e.captureLibrary(work, first, true)
	assert.NilError(t, err)
	_, err = e.captureLibrary(work, second, true)
	assert.NilError(t, err)

	// both names exist, no numbered directory was allocated
	assert.Equal(t, work.nextRecordDir, 0)
	a, err := os.Readlink(filepath.Join(work.libDir, "libGLX_nvidia.so.0"))
	assert.NilError(t, err)
	b, err := os.Readlink(filepath.Join(work.libDir, "libnvidia-alt.so.0"))
	assert.NilError(t, err)
	assert.Equal(t, a, b)
}

func TestSharedManifestDedupAcrossArches(t *testing.T) {
	e, _ := newTestEngine(t)
	e.sharedManifests = make(map[digest.Digest]string)

	content := []byte(`{"ICD":{"library_path":"libGLX_nvidia.so.0"},"file_format_version":"1.0.0"}`)
	r1, err := icd.Parse(icd.ClassVulkanICD, "/usr/share/vulkan/icd.d/nvidia_icd.json", content)
	assert.NilError(t, err)
	r2, err := icd.Parse(icd.ClassVulkanICD, "/usr/share/vulkan/icd.d/nvidia_icd.json", content)
	assert.NilError(t, err)

	p1, err := e.sharedManifestPath(r1, shareSubdir(icd.ClassVulkanICD))
	assert.NilError(t, err)
	p2, err := e.sharedManifestPath(r2, shareSubdir(icd.ClassVulkanICD))
	assert.NilError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, p1, "/overrides/share/vulkan/icd.d/nvidia_icd.json")

	entries, err := os.ReadDir(filepath.Join(e.OverridesDir, "share/vulkan/icd.d"))
	assert.NilError(t, err)
	assert.Equal(t, len(entries), 1)
}

func TestBuildEnvironment(t *testing.T) {
	e, _ := newTestEngine(t)
	x86 := newArchWork(t, e, multiarch.Primary())
	x86.hasDRI = true
	x86.hasVAAPI = true
	x86.manifests[icd.ClassVulkanICD] = []string{"/overrides/share/vulkan/icd.d/radeon.json"}
	x86.manifests[icd.ClassVulkanExplicitLayer] = []string{"/overrides/share/vulkan/explicit_layer.d/l.json"}
	x86.manifests[icd.ClassOpenXR] = []string{"/overrides/lib/x86_64-linux-gnu/openxr/a.json",
		"/overrides/lib/x86_64-linux-gnu/openxr/b.json"}
	i386 := newArchWork(t, e, multiarch.ByTuple("i386-linux-gnu"))
	i386.manifests[icd.ClassVulkanICD] = []string{"/overrides/share/vulkan/icd.d/radeon.json"}

	b := bwrap.New()
	e.buildEnvironment([]*archWork{x86, i386}, b)

	env := b.Env()
	assert.Equal(t, *env["LD_LIBRARY_PATH"],
		"/overrides/lib/x86_64-linux-gnu:/overrides/lib/i386-linux-gnu")
	assert.Equal(t, *env["LIBGL_DRIVERS_PATH"], "/overrides/lib/x86_64-linux-gnu/dri")
	assert.Equal(t, *env["LIBVA_DRIVERS_PATH"], "/overrides/lib/x86_64-linux-gnu/dri")
	// same manifest on both arches appears once
	assert.Equal(t, *env["VK_DRIVER_FILES"], "/overrides/share/vulkan/icd.d/radeon.json")
	assert.Equal(t, *env["VK_ICD_FILENAMES"], *env["VK_DRIVER_FILES"])
	assert.Assert(t, env["VK_LAYER_PATH"] == nil)
	assert.Equal(t, *env["XDG_DATA_DIRS"], "/overrides/share:/usr/local/share:/usr/share")
	// first OpenXR runtime wins
	assert.Equal(t, *env["XR_RUNTIME_JSON"], "/overrides/lib/x86_64-linux-gnu/openxr/a.json")
	assert.Assert(t, env["VDPAU_DRIVER_PATH"] == nil)
	assert.Equal(t, *env["PATH"], buildcfg.DEFAULT_PATH)
}

func TestVAAPIDenylist(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Denylist = DefaultDenylist()

	kept := e.filterVAAPI([]string{
		"/usr/lib/x86_64-linux-gnu/dri/radeonsi_drv_video.so",
		"/usr/lib/x86_64-linux-gnu/dri/vdpau_drv_video.so",
	})
	assert.DeepEqual(t, kept, []string{
		"/usr/lib/x86_64-linux-gnu/dri/radeonsi_drv_video.so",
	})
}

func TestRemoveOverridden(t *testing.T) {
	runtimeDir := t.TempDir()
	libDir := filepath.Join(runtimeDir, "usr/lib/x86_64-linux-gnu")
	assert.NilError(t, os.MkdirAll(libDir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(libDir, "libGL.so.1.7.0"), []byte("x"), 0o644))
	assert.NilError(t, os.Symlink("libGL.so.1.7.0", filepath.Join(libDir, "libGL.so.1")))
	assert.NilError(t, os.Symlink("libGL.so.1", filepath.Join(libDir, "libGL.so")))
	assert.NilError(t, os.WriteFile(filepath.Join(libDir, "libkept.so.2"), []byte("x"), 0o644))

	runtime, err := sysroot.OpenDirect(runtimeDir)
	assert.NilError(t, err)
	t.Cleanup(func() { runtime.Close() })

	e := &Engine{Runtime: runtime, Mutable: true}
	work := &archWork{
		arch: multiarch.Primary(),
		captured: map[string]string{
			"libGL.so.1":     "/run/host/usr/lib/x86_64-linux-gnu/libGL.so.1",
			"libGL.so.1.7.0": "/run/host/usr/lib/x86_64-linux-gnu/libGL.so.1.7.0",
		},
	}
	assert.NilError(t, e.removeOverridden(work))

	_, err = os.Lstat(filepath.Join(libDir, "libGL.so.1"))
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(libDir, "libGL.so.1.7.0"))
	assert.Assert(t, os.IsNotExist(err))
	// libGL.so pointed at the removed library and is gone too
	_, err = os.Lstat(filepath.Join(libDir, "libGL.so"))
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Lstat(filepath.Join(libDir, "libkept.so.2"))
	assert.NilError(t, err)
}

func TestLibcImportReplacesRuntimeLinker(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	writeFakeELF(t, filepath.Join(providerDir, arch.LdSo), arch.Machine)
	ldconfig := filepath.Join(providerDir, "usr/bin/ldconfig")
	assert.NilError(t, os.MkdirAll(filepath.Dir(ldconfig), 0o755))
	assert.NilError(t, os.WriteFile(ldconfig, []byte("#!/bin/sh\n"), 0o755))

	runtimeDir := t.TempDir()
	writeFakeELF(t, filepath.Join(runtimeDir, arch.LdSo), arch.Machine)
	runtime, err := sysroot.OpenDirect(runtimeDir)
	assert.NilError(t, err)
	t.Cleanup(func() { runtime.Close() })
	e.Runtime = runtime
	e.Mutable = true

	work := newArchWork(t, e, arch)
	work.captured["libc.so.6"] = "/run/host/usr/lib/x86_64-linux-gnu/libc.so.6"
	work.libcFromProvider = true

	b := bwrap.New()
	assert.NilError(t, e.handleLibc([]*archWork{work}, b))

	link, err := os.Readlink(filepath.Join(runtimeDir, arch.LdSo))
	assert.NilError(t, err)
	assert.Equal(t, link, "/run/host"+arch.LdSo)
}

func TestClassificationCompleteness(t *testing.T) {
	e, providerDir := newTestEngine(t)
	arch := multiarch.Primary()
	present := "/usr/lib/x86_64-linux-gnu/libpresent.so.0"
	writeFakeELF(t, filepath.Join(providerDir, present), arch.Machine)

	manifests := map[string]string{
		"present.json": `{"ICD":{"library_path":"` + present + `"}}`,
		"missing.json": `{"ICD":{"library_path":"/usr/lib/x86_64-linux-gnu/libmissing.so.0"}}`,
		"soname.json":  `{"ICD":{"library_path":"libunknown.so.0"}}`,
	}

	work := newArchWork(t, e, arch)
	for name, content := range manifests {
		record, err := icd.Parse(icd.ClassEGL, "/etc/glvnd/egl_vendor.d/"+name, []byte(content))
		assert.NilError(t, err)
		assert.NilError(t, e.captureRecord(work, record))
		state := record.Arch(arch.Tuple)
		assert.Assert(t, state.Classification != icd.ClassificationPending,
			"record %s was not classified", name)
		if name != "present.json" {
			assert.Equal(t, state.Classification, icd.ClassificationNonexistent)
		}
	}
}
