// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/icd"
	"github.com/apptainer/vessel/pkg/sylog"
)

// archSubdir is the per-architecture overrides subdirectory holding
// rewritten manifests of one class.
func archSubdir(class icd.Class) string {
	switch class {
	case icd.ClassEGL:
		return "glvnd"
	case icd.ClassEGLExternalPlatform:
		return "egl_external_platform"
	case icd.ClassVulkanICD:
		return "vulkan"
	case icd.ClassOpenXR:
		return "openxr"
	}
	return ""
}

// shareSubdir is the path under overrides/share where manifests of one
// class live, matching the loaders' XDG search layout.
func shareSubdir(class icd.Class) string {
	switch class {
	case icd.ClassEGL:
		return "glvnd/egl_vendor.d"
	case icd.ClassEGLExternalPlatform:
		return "egl/egl_external_platform.d"
	case icd.ClassVulkanICD:
		return "vulkan/icd.d"
	case icd.ClassVulkanExplicitLayer:
		return "vulkan/explicit_layer.d"
	case icd.ClassVulkanImplicitLayer:
		return "vulkan/implicit_layer.d"
	case icd.ClassOpenXR:
		return "openxr/1"
	}
	return ""
}

// layerClass reports whether the Vulkan loader discovers this class
// through XDG_DATA_DIRS rather than an explicit file-list variable.
func layerClass(class icd.Class) bool {
	return class == icd.ClassVulkanExplicitLayer || class == icd.ClassVulkanImplicitLayer
}

// writeManifests materializes the manifests of one class for one
// architecture, in discovery order: loader priority for same-named layers
// depends on it.
func (e *Engine) writeManifests(work *archWork, class icd.Class, records []*icd.Record) error {
	for _, record := range records {
		state := record.Arch(work.arch.Tuple)

		var containerPath string
		var err error
		switch state.Classification {
		case icd.ClassificationAbsolute:
			containerPath, err = e.writeRewritten(work, class, record, state.ContainerPath)
		case icd.ClassificationSoname, icd.ClassificationMetaLayer:
			containerPath, err = e.sharedManifestPath(record, shareSubdir(class))
		default:
			continue
		}
		if err != nil {
			return err
		}

		if containsString(work.manifests[class], containerPath) {
			continue
		}
		work.manifests[class] = append(work.manifests[class], containerPath)
	}
	return nil
}

// writeRewritten writes a copy of the manifest with the library path
// pointing at the captured copy. Layer manifests go into the shared XDG
// tree; other classes are per-architecture.
func (e *Engine) writeRewritten(work *archWork, class icd.Class, record *icd.Record, libraryPath string) (string, error) {
	var dir, dirCT string
	if layerClass(class) {
		dir = filepath.Join(e.OverridesDir, "share", shareSubdir(class))
		dirCT = filepath.Join(buildcfg.OVERRIDES_DIR, "share", shareSubdir(class))
	} else {
		dir = filepath.Join(work.libDir, archSubdir(class))
		dirCT = filepath.Join(work.libDirCT, archSubdir(class))
	}

	name := filepath.Base(record.JSONPath)
	dest := filepath.Join(dir, name)
	for n := 1; fileExists(dest); n++ {
		dest = filepath.Join(dir, fmt.Sprintf("%d-%s", n, name))
	}
	if err := record.WriteReplacement(dest, libraryPath); err != nil {
		return "", err
	}
	return filepath.Join(dirCT, filepath.Base(dest)), nil
}

// buildEnvironment sets the container's driver search-path environment
// from the joined per-architecture results. Colon-separated lists keep
// architecture order, then discovery order.
func (e *Engine) buildEnvironment(works []*archWork, sink bwrap.Sink) {
	var ldPath, glDrivers, vaDrivers []string
	var egl, eglExt, vulkan, xr []string
	importedLayers := false

	for _, work := range works {
		ldPath = append(ldPath, work.libDirCT)
		if work.hasDRI {
			glDrivers = append(glDrivers, filepath.Join(work.libDirCT, "dri"))
		}
		if work.hasVAAPI {
			vaDrivers = append(vaDrivers, filepath.Join(work.libDirCT, "dri"))
		}
		egl = appendUnique(egl, work.manifests[icd.ClassEGL]...)
		eglExt = appendUnique(eglExt, work.manifests[icd.ClassEGLExternalPlatform]...)
		vulkan = appendUnique(vulkan, work.manifests[icd.ClassVulkanICD]...)
		xr = appendUnique(xr, work.manifests[icd.ClassOpenXR]...)
		if len(work.manifests[icd.ClassVulkanExplicitLayer]) > 0 ||
			len(work.manifests[icd.ClassVulkanImplicitLayer]) > 0 {
			importedLayers = true
		}
	}

	sink.SetEnv("LD_LIBRARY_PATH", strings.Join(ldPath, ":"))
	if len(glDrivers) > 0 {
		sink.SetEnv("LIBGL_DRIVERS_PATH", strings.Join(glDrivers, ":"))
	}
	if len(vaDrivers) > 0 {
		sink.SetEnv("LIBVA_DRIVERS_PATH", strings.Join(vaDrivers, ":"))
	}
	if len(egl) > 0 {
		sink.SetEnv("__EGL_VENDOR_LIBRARY_FILENAMES", strings.Join(egl, ":"))
	}
	if len(eglExt) > 0 {
		sink.SetEnv("__EGL_EXTERNAL_PLATFORM_CONFIG_FILENAMES", strings.Join(eglExt, ":"))
	}
	if len(vulkan) > 0 {
		// older loaders only understand VK_ICD_FILENAMES
		sink.SetEnv("VK_DRIVER_FILES", strings.Join(vulkan, ":"))
		sink.SetEnv("VK_ICD_FILENAMES", strings.Join(vulkan, ":"))
	}

	// layers are discovered through XDG_DATA_DIRS, never VK_LAYER_PATH
	sink.UnsetEnv("VK_LAYER_PATH")
	if importedLayers {
		sink.SetEnv("XDG_DATA_DIRS", strings.Join([]string{
			filepath.Join(buildcfg.OVERRIDES_DIR, "share"),
			"/usr/local/share",
			"/usr/share",
		}, ":"))
	}

	if len(xr) > 0 {
		if len(xr) > 1 {
			sylog.Warningf("Multiple OpenXR runtimes found, using %s", xr[0])
		}
		sink.SetEnv("XR_RUNTIME_JSON", xr[0])
	}

	// resolved dynamically inside the container
	sink.UnsetEnv("VDPAU_DRIVER_PATH")

	sink.SetEnv("TERMINFO_DIRS", "/usr/share/terminfo")
	sink.SetEnv("PATH", buildcfg.DEFAULT_PATH)
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		if !containsString(list, item) {
			list = append(list, item)
		}
	}
	return list
}

func containsString(list []string, s string) bool {
	for _, entry := range list {
		if entry == s {
			return true
		}
	}
	return false
}
