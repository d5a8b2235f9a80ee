// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package paths

import (
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apptainer/vessel/pkg/sylog"
)

// SoLinks returns versioned symlinks resolving to a specified library file.
func SoLinks(libPath string) (paths []string, err error) {
	bareLibPath := strings.SplitAfter(libPath, ".so")[0]
	libCandidates := []string{}
	libGlobPaths, _ := filepath.Glob(fmt.Sprintf("%s*", bareLibPath))
	if len(libGlobPaths) == 0 {
		// should have at least found current lib
		return paths, fmt.Errorf("library not found: %s", libPath)
	}
	// check all files with a similar name (up to .so extension) and
	// work out which are symlinks rather than regular files
	for _, lPath := range libGlobPaths {
		if fi, err := os.Lstat(lPath); err == nil {
			if fi.Mode()&os.ModeSymlink == os.ModeSymlink {
				libCandidates = append(libCandidates, lPath)
			}
		} else {
			sylog.Warningf("error extracting file info for %s: %v", lPath, err)
		}
	}
	// resolve symlinks and check if they eventually point to the library
	for _, lPath := range libCandidates {
		if resolvedLib, err := filepath.EvalSymlinks(lPath); err == nil {
			if resolvedLib == libPath {
				sylog.Debugf("Identified %s as a symlink for %s", lPath, libPath)
				paths = append(paths, lPath)
			}
		} else {
			sylog.Warningf("unable to resolve symlink for %s: %v", lPath, err)
		}
	}
	return paths, nil
}

// LdCache retrieves a map of <library>.so[.version] to its absolute path
// using the system ld cache via `ldconfig -p`. Only the first instance of
// each name is taken; if `ldconfig -p` lists three variants of libEGL.so.1
// in different locations, only the first, highest priority, variant is
// reported.
func LdCache() (map[string]string, error) {
	return ldCache("")
}

// LdCacheFile is LdCache reading an explicit cache file instead of the
// system's /etc/ld.so.cache, for inspecting a foreign sysroot's cache.
func LdCacheFile(cachePath string) (map[string]string, error) {
	return ldCache(cachePath)
}

func ldCache(cachePath string) (map[string]string, error) {
	ldconfig, err := exec.LookPath("ldconfig")
	if err != nil {
		return nil, err
	}
	args := []string{"-p"}
	if cachePath != "" {
		args = append(args, "-C", cachePath)
	}
	out, err := exec.Command(ldconfig, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("could not execute ldconfig: %v", err)
	}

	// sample ldconfig -p output:
	// libnvidia-ml.so.1 (libc6,x86-64) => /usr/lib64/nvidia/libnvidia-ml.so.1
	r, err := regexp.Compile(`(?m)^(.*)\s*\(.*\)\s*=>\s*(.*)$`)
	if err != nil {
		return nil, fmt.Errorf("could not compile ldconfig regexp: %v", err)
	}

	ldCache := make(map[string]string)
	for _, match := range r.FindAllSubmatch(out, -1) {
		if match != nil {
			libName := strings.TrimSpace(string(match[1]))
			libPath := strings.TrimSpace(string(match[2]))
			if _, ok := ldCache[libName]; !ok {
				ldCache[libName] = libPath
			}
		}
	}
	return ldCache, nil
}

// Machine returns the ELF machine number of the library or executable at
// path, so lookups can be restricted to one architecture.
func Machine(path string) (elf.Machine, error) {
	e, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("could not open %s: %v", path, err)
	}
	defer e.Close()
	return e.Machine, nil
}

// ResolveSoname looks up a bare SONAME in the ld cache, restricted to the
// given machine. Returns the empty string if the SONAME is not found for
// that machine.
func ResolveSoname(soname string, cache map[string]string, machine elf.Machine) string {
	libPath, ok := cache[soname]
	if !ok {
		return ""
	}
	m, err := Machine(libPath)
	if err != nil {
		sylog.Debugf("ignoring library %s: %s", libPath, err)
		return ""
	}
	if m != machine {
		return ""
	}
	return libPath
}

// Dependencies returns the transitive DT_NEEDED closure of the library at
// libPath, resolved through the ld cache for the library's own machine.
// SONAMEs that cannot be resolved are skipped with a debug message; the
// dynamic loader inside the container may still find them through the
// runtime's own libraries.
func Dependencies(libPath string, cache map[string]string) ([]string, error) {
	root, err := elf.Open(libPath)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %v", libPath, err)
	}
	machine := root.Machine
	root.Close()

	seen := map[string]struct{}{}
	var out []string
	queue := []string{libPath}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		e, err := elf.Open(current)
		if err != nil {
			sylog.Debugf("ignoring library %s: %s", current, err)
			continue
		}
		needed, err := e.ImportedLibraries()
		e.Close()
		if err != nil {
			sylog.Debugf("could not read DT_NEEDED of %s: %s", current, err)
			continue
		}

		for _, soname := range needed {
			if _, ok := seen[soname]; ok {
				continue
			}
			seen[soname] = struct{}{}

			resolved := ResolveSoname(soname, cache, machine)
			if resolved == "" {
				sylog.Debugf("dependency %s of %s not in ld cache", soname, current)
				continue
			}
			out = append(out, resolved)
			queue = append(queue, resolved)
		}
	}
	return out, nil
}
