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
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"github.com/blang/semver/v4"

	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/pkg/sylog"
)

// toolImportance tags a glibc utility with how badly the container needs
// it once the provider's libc is in use.
type toolImportance int

const (
	toolOptional toolImportance = iota
	toolImportant
	toolEssential
)

// glibcTools are the utility executables imported alongside the
// provider's C library. ldconfig regenerates the container's cache and
// must always come from the libc actually in use.
var glibcTools = []struct {
	name       string
	importance toolImportance
}{
	{"ldconfig", toolEssential},
	{"ldd", toolImportant},
	{"locale", toolImportant},
	{"localedef", toolOptional},
	{"iconv", toolOptional},
	{"getent", toolOptional},
}

var glibcToolDirs = []string{"/sbin", "/usr/sbin", "/bin", "/usr/bin"}

// handleLibc applies the C library special case: when any architecture
// captured the provider's libc, the provider's dynamic linker, gconv
// modules, locale data and glibc tools are imported too. Architectures
// that disagree get the union behavior with a warning.
func (e *Engine) handleLibc(works []*archWork, sink bwrap.Sink) error {
	any, all := false, true
	for _, work := range works {
		if work.libcFromProvider {
			any = true
		} else {
			all = false
		}
	}
	if !any {
		return nil
	}
	if !all {
		sylog.Warningf("Provider libc usable on some architectures only; using it everywhere")
		for _, work := range works {
			work.libcFromProvider = true
		}
	}

	e.warnLibcDivergence(works)

	for _, work := range works {
		if err := e.importLdSo(work, sink); err != nil {
			return err
		}
		e.importGconv(work, sink)
	}
	e.importLocales(sink)
	return e.importGlibcTools(sink)
}

// importLdSo makes the provider's dynamic linker the one the container
// boots with. An older ld.so refusing symbols of a newer libc (or the
// reverse) breaks every binary, so the pair always comes from the same
// tree.
func (e *Engine) importLdSo(work *archWork, sink bwrap.Sink) error {
	providerLdSo := e.Provider.InCurrentNS(work.arch.LdSo)
	real, err := filepath.EvalSymlinks(providerLdSo)
	if err != nil {
		return fmt.Errorf("provider has no %s: %w", work.arch.LdSo, err)
	}
	target := e.containerPathOf(real)
	if target == "" {
		return fmt.Errorf("provider %s is not reachable from the container", real)
	}

	if e.Mutable {
		runtimeLdSo := e.Runtime.RealPath(work.arch.LdSo)
		if err := os.Remove(runtimeLdSo); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(runtimeLdSo), 0o755); err != nil {
			return err
		}
		return os.Symlink(target, runtimeLdSo)
	}
	sink.AddRoBind(real, work.arch.LdSo)
	return nil
}

// importGconv binds the provider's character-set conversion modules,
// which libc loads by hard-coded per-libdir path.
func (e *Engine) importGconv(work *archWork, sink bwrap.Sink) {
	for _, suffix := range work.arch.LibDirSuffixes {
		for _, prefix := range []string{"/usr", ""} {
			dir := filepath.Join(prefix, suffix, "gconv")
			real := e.Provider.InCurrentNS(dir)
			if info, err := os.Stat(real); err != nil || !info.IsDir() {
				continue
			}
			sink.AddRoBind(real, dir)
			return
		}
	}
	sylog.Debugf("Provider has no gconv modules for %s", work.arch.Tuple)
}

func (e *Engine) importLocales(sink bwrap.Sink) {
	for _, dir := range []string{"/usr/lib/locale", "/usr/share/i18n"} {
		real := e.Provider.InCurrentNS(dir)
		if info, err := os.Stat(real); err != nil || !info.IsDir() {
			continue
		}
		sink.AddRoBind(real, dir)
	}
}

// importGlibcTools binds the glibc utility executables from the provider,
// failing hard only for essential ones.
func (e *Engine) importGlibcTools(sink bwrap.Sink) error {
	for _, tool := range glibcTools {
		found := ""
		for _, dir := range glibcToolDirs {
			candidate := e.Provider.InCurrentNS(filepath.Join(dir, tool.name))
			if info, err := os.Stat(candidate); err == nil && info.Mode()&0o111 != 0 {
				found = candidate
				break
			}
		}
		if found == "" {
			switch tool.importance {
			case toolEssential:
				return fmt.Errorf("provider has no %s, required with provider libc", tool.name)
			case toolImportant:
				sylog.Warningf("Provider has no %s; the container may misbehave", tool.name)
			default:
				sylog.Debugf("Provider has no %s", tool.name)
			}
			continue
		}
		real, err := filepath.EvalSymlinks(found)
		if err != nil {
			continue
		}
		sink.AddRoBind(real, filepath.Join("/usr/bin", tool.name))
	}
	return nil
}

var glibcVersionRe = regexp.MustCompile(`release version ([0-9][0-9.]*)`)

// glibcVersion extracts the glibc version from a libc.so.6 by running it;
// glibc's libc is executable and prints a banner. Only meaningful for the
// live root.
func glibcVersion(libcPath string) (semver.Version, error) {
	out, err := exec.Command(libcPath).Output()
	if err != nil {
		return semver.Version{}, err
	}
	m := glibcVersionRe.FindSubmatch(out)
	if m == nil {
		return semver.Version{}, fmt.Errorf("no version in %s banner", libcPath)
	}
	return semver.ParseTolerant(string(m[1]))
}

// warnLibcDivergence compares the runtime's and provider's glibc versions
// where both can be determined, and warns when the runtime's is not
// older. The provider's libc is used regardless: hardware drivers are
// built against it.
func (e *Engine) warnLibcDivergence(works []*archWork) {
	if !e.Provider.IsLiveRoot() || !e.Runtime.IsReal() {
		return
	}
	for _, work := range works {
		providerLibc := work.cache["libc.so.6"]
		if providerLibc == "" {
			continue
		}
		providerVer, err := glibcVersion(providerLibc)
		if err != nil {
			sylog.Debugf("cannot determine provider glibc version: %v", err)
			continue
		}
		runtimeLibc := ""
		for _, suffix := range work.arch.LibDirSuffixes {
			candidate := e.Runtime.RealPath(filepath.Join("usr", suffix, "libc.so.6"))
			if _, err := os.Stat(candidate); err == nil {
				runtimeLibc = candidate
				break
			}
		}
		if runtimeLibc == "" {
			continue
		}
		runtimeVer, err := glibcVersion(runtimeLibc)
		if err != nil {
			sylog.Debugf("cannot determine runtime glibc version: %v", err)
			continue
		}
		if runtimeVer.GTE(providerVer) {
			sylog.Warningf("Runtime glibc %s is not older than provider glibc %s; using the provider's anyway",
				runtimeVer, providerVer)
		}
		return
	}
}
