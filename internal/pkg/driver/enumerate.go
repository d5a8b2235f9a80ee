// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/apptainer/vessel/internal/pkg/icd"
	"github.com/apptainer/vessel/internal/pkg/multiarch"
	"github.com/apptainer/vessel/pkg/sylog"
)

// manifestDirs lists, per driver class, the provider directories scanned
// for JSON manifests, in loader priority order.
var manifestDirs = map[icd.Class][]string{
	icd.ClassEGL: {
		"/etc/glvnd/egl_vendor.d",
		"/usr/share/glvnd/egl_vendor.d",
	},
	icd.ClassEGLExternalPlatform: {
		"/etc/egl/egl_external_platform.d",
		"/usr/share/egl/egl_external_platform.d",
	},
	icd.ClassVulkanICD: {
		"/etc/vulkan/icd.d",
		"/usr/share/vulkan/icd.d",
	},
	icd.ClassVulkanExplicitLayer: {
		"/etc/vulkan/explicit_layer.d",
		"/usr/share/vulkan/explicit_layer.d",
	},
	icd.ClassVulkanImplicitLayer: {
		"/etc/vulkan/implicit_layer.d",
		"/usr/share/vulkan/implicit_layer.d",
	},
	icd.ClassOpenXR: {
		"/etc/openxr/1",
		"/usr/share/openxr/1",
	},
}

// enumeration is the per-architecture result of provider discovery. It is
// written by exactly one worker and read by the main thread after join.
type enumeration struct {
	arch *multiarch.Arch

	// manifest-based records, in discovery order per class
	records map[icd.Class][]*icd.Record

	// plain library drivers found by directory scan: absolute provider
	// paths
	vdpau []string
	dri   []string
	vaapi []string

	err error
}

// enumerate performs provider discovery for one architecture. Between
// driver classes it checks ctx so that an early composition failure
// cancels outstanding work.
func (e *Engine) enumerate(ctx context.Context, arch *multiarch.Arch) *enumeration {
	result := &enumeration{
		arch:    arch,
		records: make(map[icd.Class][]*icd.Record),
	}

	for _, class := range []icd.Class{
		icd.ClassEGL,
		icd.ClassEGLExternalPlatform,
		icd.ClassVulkanICD,
		icd.ClassVulkanExplicitLayer,
		icd.ClassVulkanImplicitLayer,
		icd.ClassOpenXR,
	} {
		if err := ctx.Err(); err != nil {
			result.err = err
			return result
		}
		if (class == icd.ClassVulkanExplicitLayer || class == icd.ClassVulkanImplicitLayer) &&
			!e.ImportVulkanLayers {
			continue
		}
		result.records[class] = e.enumerateManifests(class)
	}

	if err := ctx.Err(); err != nil {
		result.err = err
		return result
	}

	result.vdpau = e.scanDriverDir(arch, "vdpau", func(name string) bool {
		return strings.Contains(name, ".so")
	})
	result.dri = e.scanDriverDir(arch, "dri", func(name string) bool {
		return strings.HasSuffix(name, "_dri.so")
	})
	result.vaapi = e.scanDriverDir(arch, "dri", func(name string) bool {
		return strings.HasSuffix(name, "_drv_video.so")
	})

	return result
}

// enumerateManifests loads every manifest of one class, keeping discovery
// order: manifest write order later must match it, because loader priority
// for same-named layers depends on it.
func (e *Engine) enumerateManifests(class icd.Class) []*icd.Record {
	var records []*icd.Record

	for _, dir := range manifestDirs[class] {
		real := e.Provider.InCurrentNS(dir)
		entries, err := os.ReadDir(real)
		if err != nil {
			if !os.IsNotExist(err) {
				sylog.Debugf("Cannot read %s: %v", real, err)
			}
			continue
		}

		// directory order is not guaranteed; the loaders sort by name
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if strings.HasSuffix(entry.Name(), ".json") {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			content, err := os.ReadFile(e.Provider.InCurrentNS(path))
			if err != nil {
				sylog.Warningf("Ignoring %s manifest %s: %v", class, path, err)
				continue
			}
			// records carry the provider-namespace path
			record, err := icd.Parse(class, path, content)
			if err != nil {
				sylog.Warningf("Ignoring %s manifest %s: %v", class, path, err)
				continue
			}
			records = append(records, record)
			sylog.Debugf("Found %s manifest %s (library %q)", class, path, record.LibraryPath)
		}
	}
	return records
}

// scanDriverDir finds plain library drivers (VDPAU, DRI, VA-API) in the
// provider's per-architecture library directories.
func (e *Engine) scanDriverDir(arch *multiarch.Arch, subdir string, match func(string) bool) []string {
	var found []string
	seen := map[string]struct{}{}

	for _, suffix := range arch.LibDirSuffixes {
		for _, prefix := range []string{"/usr", ""} {
			dir := filepath.Join(prefix, suffix, subdir)
			entries, err := os.ReadDir(e.Provider.InCurrentNS(dir))
			if err != nil {
				continue
			}
			for _, entry := range entries {
				if !match(entry.Name()) {
					continue
				}
				if _, dup := seen[entry.Name()]; dup {
					continue
				}
				seen[entry.Name()] = struct{}{}
				found = append(found, filepath.Join(dir, entry.Name()))
			}
		}
	}
	sort.Strings(found)
	return found
}

// enumerateAll runs provider discovery for every architecture. With
// SingleThread set the same enumeration happens synchronously on the
// calling goroutine; both modes must produce identical results.
func (e *Engine) enumerateAll(ctx context.Context, arches []*multiarch.Arch) ([]*enumeration, error) {
	results := make([]*enumeration, len(arches))

	if e.SingleThread {
		for i, arch := range arches {
			results[i] = e.enumerate(ctx, arch)
			if results[i].err != nil {
				return nil, results[i].err
			}
		}
		return results, nil
	}

	group, gctx := errgroup.WithContext(ctx)
	for i, arch := range arches {
		i, arch := i, arch
		group.Go(func() error {
			results[i] = e.enumerate(gctx, arch)
			return results[i].err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
