// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package driver imports graphics and compute driver stacks from a
// provider sysroot (usually the host) into a container runtime: it
// enumerates JSON driver manifests and plain library drivers per
// architecture, captures the libraries and their dependencies into an
// overrides directory, rewrites manifests to match, and produces the
// search-path environment for the container.
package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/icd"
	"github.com/apptainer/vessel/internal/pkg/multiarch"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/internal/pkg/util/paths"
	"github.com/apptainer/vessel/pkg/sylog"
)

// Engine drives driver integration for one composition run. Fields are set
// once by the composer and not mutated afterwards.
type Engine struct {
	Provider *Provider
	// Runtime is the base runtime tree the container will boot from.
	Runtime *sysroot.Sysroot
	// OverridesDir is where captured libraries and manifests are staged,
	// reachable by the composing process.
	OverridesDir string
	// Mutable is true when Runtime is a private writable copy, allowing
	// overridden runtime libraries to be deleted in place.
	Mutable bool

	ImportVulkanLayers bool
	SingleThread       bool

	// Denylist, when nil, defaults to DefaultDenylist().
	Denylist *Denylist

	// LdCache overrides the provider's SONAME map (current-namespace
	// paths), for tests. When nil the provider's ld.so cache is read.
	LdCache map[string]string

	// ProbeLdSo overrides the dynamic-linker executability probe, for
	// tests. The default probe execs the provider's linker.
	ProbeLdSo func(ctx context.Context, arch *multiarch.Arch) error

	// sharedManifests deduplicates verbatim manifest copies across
	// architectures by content digest. Main thread only.
	sharedManifests map[digest.Digest]string
}

// archWork is the main-thread working state for one usable architecture.
type archWork struct {
	arch *multiarch.Arch

	// cache maps SONAME to provider library path in the current namespace
	cache map[string]string

	libDir   string // ${OverridesDir}/lib/<tuple>, current namespace
	libDirCT string // /overrides/lib/<tuple>, container path

	// identities dedups captures of the same provider file surfaced under
	// several names (hard links, symlink farms)
	identities map[fileIdentity]string
	// captured maps basename to container path for every captured
	// library, used by libc detection and overridden-library removal
	captured map[string]string
	// nextRecordDir numbers per-record subdirectories on basename
	// collisions
	nextRecordDir int

	libcFromProvider bool

	// container paths of usable manifests, in discovery order per class
	manifests map[icd.Class][]string

	hasDRI   bool
	hasVAAPI bool
	hasVDPAU bool
}

// Result reports what driver integration produced, for logging and for
// the composer's later phases.
type Result struct {
	// Arches lists the architectures that passed the linker probe.
	Arches []*multiarch.Arch
	// LibcFromProvider is true when the provider's C library family is in
	// use (union across architectures).
	LibcFromProvider bool
}

// Run performs driver integration: enumeration across architectures (in
// worker goroutines unless SingleThread), then capture, manifest and
// environment work on the calling goroutine. The sink receives bind and
// environment entries; the overrides directory is populated on disk.
func (e *Engine) Run(ctx context.Context, sink bwrap.Sink) (*Result, error) {
	if e.Denylist == nil {
		e.Denylist = DefaultDenylist()
	}
	e.sharedManifests = make(map[digest.Digest]string)

	var usable []*multiarch.Arch
	for _, arch := range multiarch.Supported() {
		if err := e.probeArch(ctx, arch); err != nil {
			sylog.Debugf("Skipping architecture %s: %v", arch.Tuple, err)
			continue
		}
		usable = append(usable, arch)
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("no common architecture between runtime and provider")
	}

	// discovery is read-only and independent per architecture
	enumerations, err := e.enumerateAll(ctx, usable)
	if err != nil {
		return nil, err
	}

	result := &Result{Arches: usable}
	works := make([]*archWork, 0, len(usable))

	for _, en := range enumerations {
		work, err := e.processArch(en)
		if err != nil {
			// one broken architecture does not doom the composition
			sylog.Warningf("Architecture %s is not usable: %v", en.arch.Tuple, err)
			continue
		}
		works = append(works, work)
	}
	if len(works) == 0 {
		return nil, fmt.Errorf("no architecture completed driver capture")
	}

	if err := e.handleLibc(works, sink); err != nil {
		return nil, err
	}
	e.bindDataDirs(works, sink)
	e.buildEnvironment(works, sink)

	if e.Mutable {
		for _, work := range works {
			if err := e.removeOverridden(work); err != nil {
				sylog.Warningf("Could not remove overridden %s libraries: %v", work.arch.Tuple, err)
			}
		}
	}

	for _, work := range works {
		result.LibcFromProvider = result.LibcFromProvider || work.libcFromProvider
	}
	return result, nil
}

// probeArch checks that the architecture works on both sides: the runtime
// ships its dynamic linker, and the provider's linker can execute on the
// current host.
func (e *Engine) probeArch(ctx context.Context, arch *multiarch.Arch) error {
	if !e.Runtime.Test(arch.LdSo, 0) {
		return fmt.Errorf("runtime has no %s", arch.LdSo)
	}
	probe := e.ProbeLdSo
	if probe == nil {
		probe = e.execLdSo
	}
	return probe(ctx, arch)
}

// processArch turns one architecture's enumeration into captures and
// manifests. Runs on the main thread after workers are joined.
func (e *Engine) processArch(en *enumeration) (*archWork, error) {
	work := &archWork{
		arch:       en.arch,
		libDir:     filepath.Join(e.OverridesDir, "lib", en.arch.Tuple),
		libDirCT:   filepath.Join(buildcfg.OVERRIDES_DIR, "lib", en.arch.Tuple),
		identities: make(map[fileIdentity]string),
		captured:   make(map[string]string),
		manifests:  make(map[icd.Class][]string),
	}
	if err := os.MkdirAll(work.libDir, 0o755); err != nil {
		return nil, err
	}

	cache, err := e.providerLdCache()
	if err != nil {
		return nil, fmt.Errorf("could not read provider ld cache: %w", err)
	}
	work.cache = cache

	for _, class := range []icd.Class{
		icd.ClassEGL,
		icd.ClassEGLExternalPlatform,
		icd.ClassVulkanICD,
		icd.ClassVulkanExplicitLayer,
		icd.ClassVulkanImplicitLayer,
		icd.ClassOpenXR,
	} {
		for _, record := range en.records[class] {
			if err := e.captureRecord(work, record); err != nil {
				return nil, fmt.Errorf("capturing %s %s: %w", class, record.JSONPath, err)
			}
		}
		if err := e.writeManifests(work, class, en.records[class]); err != nil {
			return nil, err
		}
	}

	if err := e.captureDriverDir(work, "dri", en.dri); err != nil {
		return nil, err
	}
	work.hasDRI = len(en.dri) > 0
	if err := e.captureDriverDir(work, "vdpau", en.vdpau); err != nil {
		return nil, err
	}
	work.hasVDPAU = len(en.vdpau) > 0

	vaapi := e.filterVAAPI(en.vaapi)
	if err := e.captureDriverDir(work, "dri", vaapi); err != nil {
		return nil, err
	}
	work.hasVAAPI = len(vaapi) > 0

	if _, ok := work.captured["libc.so.6"]; ok {
		work.libcFromProvider = true
	}
	return work, nil
}

// providerLdCache returns the provider's SONAME map with paths translated
// into the current namespace.
func (e *Engine) providerLdCache() (map[string]string, error) {
	if e.LdCache != nil {
		return e.LdCache, nil
	}
	var cache map[string]string
	var err error
	if e.Provider.IsLiveRoot() {
		cache, err = paths.LdCache()
	} else {
		cache, err = paths.LdCacheFile(e.Provider.InCurrentNS("/etc/ld.so.cache"))
	}
	if err != nil {
		return nil, err
	}
	translated := make(map[string]string, len(cache))
	for soname, path := range cache {
		translated[soname] = e.Provider.InCurrentNS(path)
	}
	return translated, nil
}

// filterVAAPI drops denylisted VA-API drivers.
func (e *Engine) filterVAAPI(drivers []string) []string {
	var kept []string
	for _, path := range drivers {
		if e.Denylist.MatchVAAPI(filepath.Base(path)) {
			sylog.Infof("Skipping VA-API driver %s (denylisted)", path)
			continue
		}
		kept = append(kept, path)
	}
	return kept
}

// sharedManifestPath copies record's manifest verbatim into the shared
// overrides tree, deduplicating byte-identical content across
// architectures, and returns the container path.
func (e *Engine) sharedManifestPath(record *icd.Record, subdir string) (string, error) {
	d := record.Digest()
	if existing, ok := e.sharedManifests[d]; ok {
		sylog.Debugf("Manifest %s deduplicated against %s", record.JSONPath, existing)
		return existing, nil
	}

	name := filepath.Base(record.JSONPath)
	dir := filepath.Join(e.OverridesDir, "share", subdir)
	dest := filepath.Join(dir, name)
	for n := 1; fileExists(dest); n++ {
		dest = filepath.Join(dir, fmt.Sprintf("%d-%s", n, name))
	}
	if err := record.WriteVerbatim(dest); err != nil {
		return "", err
	}

	container := filepath.Join(buildcfg.OVERRIDES_DIR, "share", subdir, filepath.Base(dest))
	e.sharedManifests[d] = container
	return container, nil
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// containerPathOf translates a captured file's current-namespace provider
// path into the path the container will see, or "" when the container
// cannot reach it.
func (e *Engine) containerPathOf(currentNSPath string) string {
	provider := e.Provider.InProvider(currentNSPath)
	if !strings.HasPrefix(provider, "/") {
		return ""
	}
	return e.Provider.InContainer(provider)
}
