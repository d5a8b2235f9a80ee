// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/pkg/sylog"
)

// dataDir is a driver data directory no manifest declares; its location
// is inferred from where the owning library was found.
type dataDir struct {
	name string
	// wanted reports whether this architecture's captures need the
	// directory at all.
	wanted func(*archWork) bool
	// shareFirst tries /usr/share/<name> before the prefix-derived
	// location. The NVIDIA proprietary driver hard-codes /usr/share
	// regardless of install prefix.
	shareFirst bool
}

var dataDirs = []dataDir{
	{
		name:   "drirc.d",
		wanted: func(w *archWork) bool { return w.hasDRI },
	},
	{
		name: "libdrm",
		wanted: func(w *archWork) bool {
			return w.capturedWithPrefix("libdrm.so")
		},
	},
	{
		name: "nvidia",
		wanted: func(w *archWork) bool {
			return w.capturedWithPrefix("libnvidia-") || w.capturedWithPrefix("libGLX_nvidia")
		},
		shareFirst: true,
	},
}

// capturedWithPrefix reports whether any captured basename starts with
// prefix.
func (w *archWork) capturedWithPrefix(prefix string) bool {
	for base := range w.captured {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// bindDataDirs locates and binds driver data directories. The heuristic
// walks up from a captured library's provider directory through the known
// libdir suffixes to find an install prefix, then looks under
// share/<name>; /usr/share/<name> is the fallback (or, for NVIDIA, the
// first choice).
func (e *Engine) bindDataDirs(works []*archWork, sink bwrap.Sink) {
	bound := map[string]struct{}{}

	for _, dd := range dataDirs {
		for _, work := range works {
			if !dd.wanted(work) {
				continue
			}
			found := e.locateDataDir(work, dd)
			if found == "" {
				sylog.Debugf("Provider has no %s data directory", dd.name)
				continue
			}
			if _, dup := bound[found]; dup {
				continue
			}
			bound[found] = struct{}{}
			sink.AddRoBind(e.Provider.InCurrentNS(found), filepath.Join("/usr/share", dd.name))
		}
	}
}

// locateDataDir returns the provider-namespace data directory path, or ""
// when not found.
func (e *Engine) locateDataDir(work *archWork, dd dataDir) string {
	usrShare := filepath.Join("/usr/share", dd.name)

	candidates := []string{}
	if dd.shareFirst {
		candidates = append(candidates, usrShare)
	}
	for _, prefix := range e.capturePrefixes(work) {
		candidates = append(candidates, filepath.Join(prefix, "share", dd.name))
	}
	if !dd.shareFirst {
		candidates = append(candidates, usrShare)
	}

	for _, candidate := range candidates {
		real := e.Provider.InCurrentNS(candidate)
		if info, err := os.Stat(real); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

// capturePrefixes derives install prefixes from captured library
// locations by stripping the known libdir suffixes.
func (e *Engine) capturePrefixes(work *archWork) []string {
	var prefixes []string
	seen := map[string]struct{}{}

	for _, target := range work.captured {
		dir := filepath.Dir(e.Provider.FromContainer(target))
		for _, suffix := range work.arch.LibDirSuffixes {
			full := "/" + suffix
			if !strings.HasSuffix(dir, full) {
				continue
			}
			prefix := strings.TrimSuffix(dir, full)
			if prefix == "" {
				prefix = "/"
			}
			if _, dup := seen[prefix]; !dup {
				seen[prefix] = struct{}{}
				prefixes = append(prefixes, prefix)
			}
			break
		}
	}
	return prefixes
}
