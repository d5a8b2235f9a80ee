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

	"github.com/apptainer/vessel/pkg/sylog"
)

// removeOverridden deletes, from a mutable runtime copy, every library
// whose name is now supplied by the overrides directory, plus development
// symlinks left dangling by the deletion. Without this, ldconfig inside
// the container sees two versions of the same SONAME and may pick the
// runtime's by alphabetical tie-break.
func (e *Engine) removeOverridden(work *archWork) error {
	if len(work.captured) == 0 {
		return nil
	}

	for _, suffix := range work.arch.LibDirSuffixes {
		for _, prefix := range []string{"usr", ""} {
			dir := e.Runtime.RealPath(filepath.Join(prefix, suffix))
			if err := e.removeOverriddenIn(work, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) removeOverriddenIn(work *archWork, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	removed := map[string]struct{}{}
	for _, entry := range entries {
		name := entry.Name()
		if _, overridden := work.captured[name]; !overridden {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return err
		}
		removed[name] = struct{}{}
		sylog.Debugf("Removed overridden runtime library %s", path)
	}
	if len(removed) == 0 {
		return nil
	}

	// second pass: development symlinks now pointing at nothing
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink == 0 {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		target, err := os.Readlink(path)
		if err != nil {
			continue
		}
		if _, gone := removed[filepath.Base(target)]; !gone {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		sylog.Debugf("Removed dangling symlink %s", path)
	}
	return nil
}
