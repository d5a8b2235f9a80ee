// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package compose

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"

	"github.com/apptainer/vessel/pkg/sylog"
	"github.com/apptainer/vessel/pkg/util/fs/lock"
)

// GarbageCollect deletes stale mutable-sysroot copies under varDir. A
// copy is stale when nothing holds its ref lock and it carries no keep
// marker. The control file must be lockable exclusively, otherwise some
// other process is mid-copy or mid-GC and the whole run is skipped.
func GarbageCollect(varDir string) error {
	if _, err := os.Stat(varDir); os.IsNotExist(err) {
		return nil
	}
	controlPath := filepath.Join(varDir, controlFile)
	if err := touch(controlPath); err != nil {
		return err
	}

	controlFd, acquired, err := lock.TryExclusive(controlPath)
	if err != nil {
		return err
	}
	if !acquired {
		sylog.Infof("Variable directory %s is in use, skipping garbage collection", varDir)
		return nil
	}
	defer lock.Release(controlFd)

	entries, err := os.ReadDir(varDir)
	if err != nil {
		return err
	}

	var reclaimed int64
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "tmp-") {
			continue
		}
		dir := filepath.Join(varDir, entry.Name())

		if _, err := os.Stat(filepath.Join(dir, keepMarker)); err == nil {
			sylog.Debugf("Keeping %s: keep marker present", dir)
			continue
		}

		refPath := filepath.Join(dir, "usr", refFile)
		refFd, free, err := lock.TryExclusive(refPath)
		if err != nil {
			sylog.Debugf("Cannot probe %s: %v", refPath, err)
			continue
		}
		if !free {
			sylog.Debugf("Keeping %s: still in use", dir)
			continue
		}

		size := treeSize(dir)
		sylog.Infof("Deleting stale runtime copy %s (%s)", dir, units.HumanSize(float64(size)))
		if err := os.RemoveAll(dir); err != nil {
			lock.Release(refFd)
			return err
		}
		lock.Release(refFd)
		reclaimed += size
	}

	if reclaimed > 0 {
		sylog.Infof("Reclaimed %s from %s", units.HumanSize(float64(reclaimed)), varDir)
	}
	return nil
}

func treeSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
