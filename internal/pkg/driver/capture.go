// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/apptainer/vessel/internal/pkg/icd"
	"github.com/apptainer/vessel/internal/pkg/util/paths"
	"github.com/apptainer/vessel/pkg/sylog"
)

// fileIdentity identifies one on-disk file across hard links and symlink
// farms.
type fileIdentity struct {
	dev uint64
	ino uint64
}

func identityOf(path string) (fileIdentity, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return fileIdentity{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return fileIdentity{dev: uint64(st.Dev), ino: uint64(st.Ino)}, nil
}

// captureRecord resolves one manifest record's library reference for
// work's architecture and captures it into the overrides directory,
// setting the record's per-architecture classification.
func (e *Engine) captureRecord(work *archWork, record *icd.Record) error {
	if err := record.Issues(); err != nil {
		sylog.Warningf("Ignoring %s: %v", record.JSONPath, err)
		return nil
	}
	state := record.Arch(work.arch.Tuple)

	if record.IsMetaLayer() {
		state.Classification = icd.ClassificationMetaLayer
		return nil
	}

	if icd.HasDynamicTokens(record.LibraryPath) {
		// only the dynamic loader can expand these, and only for the
		// namespace it is running in
		if !e.Provider.IsLiveRoot() {
			sylog.Warningf("Ignoring %s: library path %q needs the provider's dynamic loader",
				record.JSONPath, record.LibraryPath)
			state.Classification = icd.ClassificationNonexistent
			return nil
		}
		state.Classification = icd.ClassificationSoname
		return nil
	}

	if strings.HasPrefix(record.LibraryPath, "/") {
		return e.captureAbsoluteRecord(work, record, state)
	}
	return e.captureSonameRecord(work, record, state)
}

func (e *Engine) captureAbsoluteRecord(work *archWork, record *icd.Record, state *icd.ArchState) error {
	libPath := e.Provider.InCurrentNS(record.LibraryPath)

	machine, err := paths.Machine(libPath)
	if err != nil {
		sylog.Debugf("%s: cannot inspect %s: %v", record.JSONPath, record.LibraryPath, err)
		state.Classification = icd.ClassificationNonexistent
		return nil
	}
	if machine != work.arch.Machine {
		state.Classification = icd.ClassificationNonexistent
		return nil
	}

	containerPath, err := e.captureLibrary(work, libPath, true)
	if err != nil {
		return err
	}
	if containerPath == "" {
		state.Classification = icd.ClassificationNonexistent
		return nil
	}
	state.Classification = icd.ClassificationAbsolute
	state.ResolvedPath = record.LibraryPath
	state.ContainerPath = containerPath
	return nil
}

func (e *Engine) captureSonameRecord(work *archWork, record *icd.Record, state *icd.ArchState) error {
	resolved := paths.ResolveSoname(record.LibraryPath, work.cache, work.arch.Machine)
	if resolved == "" {
		sylog.Debugf("%s: SONAME %s not found for %s",
			record.JSONPath, record.LibraryPath, work.arch.Tuple)
		state.Classification = icd.ClassificationNonexistent
		return nil
	}

	// the regenerated ld.so cache will cover the overrides directory, so
	// the manifest itself needs no rewriting
	containerPath, err := e.captureLibrary(work, resolved, false)
	if err != nil {
		return err
	}
	if containerPath == "" {
		state.Classification = icd.ClassificationNonexistent
		return nil
	}
	state.Classification = icd.ClassificationSoname
	state.ResolvedPath = e.Provider.InProvider(resolved)
	state.ContainerPath = containerPath
	return nil
}

// captureLibrary symlinks the library at libPath (current namespace) into
// the per-architecture overrides directory, along with its versioned
// symlink names and transitive dependencies, and returns the container
// path of the capture. A second record hitting the same file identity
// gets a replicated symlink instead of a second capture. allowRecordDir
// enables numbered per-record subdirectories when the basename collides
// with an earlier, different capture.
func (e *Engine) captureLibrary(work *archWork, libPath string, allowRecordDir bool) (string, error) {
	real, err := filepath.EvalSymlinks(libPath)
	if err != nil {
		sylog.Debugf("cannot resolve %s: %v", libPath, err)
		return "", nil
	}
	target := e.containerPathOf(real)
	if target == "" {
		sylog.Warningf("Skipping %s: not reachable from the container", real)
		return "", nil
	}

	id, err := identityOf(real)
	if err != nil {
		return "", err
	}

	base := filepath.Base(libPath)
	dir, dirCT := work.libDir, work.libDirCT

	if existing, ok := work.identities[id]; ok {
		if filepath.Base(existing) == base {
			return existing, nil
		}
		// same file under another name: replicate the first capture's
		// symlink instead of capturing a second time, so both names
		// resolve to one file in the container
		existingTarget := work.captured[filepath.Base(existing)]
		if err := symlinkIdempotent(existingTarget, filepath.Join(dir, base)); err != nil {
			return "", err
		}
		work.captured[base] = existingTarget
		return filepath.Join(dirCT, base), nil
	}

	if collides(filepath.Join(dir, base), target) {
		if !allowRecordDir {
			sylog.Warningf("Skipping %s: %s already captured from elsewhere", real, base)
			return "", nil
		}
		sub := fmt.Sprintf("%d", work.nextRecordDir)
		work.nextRecordDir++
		dir = filepath.Join(dir, sub)
		dirCT = filepath.Join(dirCT, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}

	if err := symlinkIdempotent(target, filepath.Join(dir, base)); err != nil {
		return "", err
	}
	work.identities[id] = filepath.Join(dirCT, base)
	work.captured[base] = target

	// versioned symlink names the provider ships for the same file
	if links, err := paths.SoLinks(real); err == nil {
		for _, link := range links {
			name := filepath.Base(link)
			if name == base {
				continue
			}
			if err := symlinkIdempotent(target, filepath.Join(dir, name)); err != nil {
				return "", err
			}
			work.captured[name] = target
		}
	}

	if err := e.captureDependencies(work, real); err != nil {
		return "", err
	}
	return filepath.Join(dirCT, base), nil
}

// captureDependencies captures the transitive DT_NEEDED closure of the
// library at real into the flat per-architecture directory.
func (e *Engine) captureDependencies(work *archWork, real string) error {
	deps, err := paths.Dependencies(real, work.cache)
	if err != nil {
		sylog.Debugf("cannot walk dependencies of %s: %v", real, err)
		return nil
	}
	for _, dep := range deps {
		depReal, err := filepath.EvalSymlinks(dep)
		if err != nil {
			continue
		}
		id, err := identityOf(depReal)
		if err != nil {
			continue
		}
		if _, ok := work.identities[id]; ok {
			continue
		}
		target := e.containerPathOf(depReal)
		if target == "" {
			continue
		}
		base := filepath.Base(dep)
		if collides(filepath.Join(work.libDir, base), target) {
			continue
		}
		if err := symlinkIdempotent(target, filepath.Join(work.libDir, base)); err != nil {
			return err
		}
		work.identities[id] = filepath.Join(work.libDirCT, base)
		work.captured[base] = target
	}
	return nil
}

// captureDriverDir captures plain library drivers (DRI, VA-API, VDPAU)
// into a subdirectory of the per-architecture overrides directory. driver
// paths are provider-namespace absolute.
func (e *Engine) captureDriverDir(work *archWork, subdir string, drivers []string) error {
	if len(drivers) == 0 {
		return nil
	}
	dir := filepath.Join(work.libDir, subdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, driver := range drivers {
		real, err := filepath.EvalSymlinks(e.Provider.InCurrentNS(driver))
		if err != nil {
			sylog.Debugf("cannot resolve %s: %v", driver, err)
			continue
		}
		if machine, err := paths.Machine(real); err != nil || machine != work.arch.Machine {
			continue
		}
		target := e.containerPathOf(real)
		if target == "" {
			continue
		}
		if err := symlinkIdempotent(target, filepath.Join(dir, filepath.Base(driver))); err != nil {
			return err
		}
		if err := e.captureDependencies(work, real); err != nil {
			return err
		}
	}
	return nil
}

// symlinkIdempotent creates a symlink, tolerating an existing identical
// one.
func symlinkIdempotent(target, path string) error {
	err := os.Symlink(target, path)
	if err == nil || !errors.Is(err, os.ErrExist) {
		return err
	}
	existing, rerr := os.Readlink(path)
	if rerr == nil && existing == target {
		return nil
	}
	return err
}

// collides reports whether path is already a symlink to a different
// target.
func collides(path, target string) bool {
	existing, err := os.Readlink(path)
	if err != nil {
		return false
	}
	return existing != target
}
