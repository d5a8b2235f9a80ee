// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package compose

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/apptainer/vessel/internal/pkg/util/fs"
	"github.com/apptainer/vessel/pkg/sylog"
	"github.com/apptainer/vessel/pkg/util/fs/lock"
)

const (
	// refFile, relative to a copy's usr directory, is held with a shared
	// lock while the copy is in use and taken exclusively by garbage
	// collection before deletion.
	refFile = ".ref"
	// controlFile, in the variable directory itself, serializes copy
	// creation and garbage collection.
	controlFile = ".ref"
	// keepMarker, in a copy's top directory, exempts it from garbage
	// collection even when unlocked.
	keepMarker = "keep"
)

// MutableSysroot is a private writable copy of a runtime image, protected
// from garbage collection by a shared lock held for its lifetime.
type MutableSysroot struct {
	// Dir is the copy's top directory, ${varDir}/tmp-XXXXXX.
	Dir string

	lockFd int
}

// Close releases the copy's lock. The copy becomes a garbage-collection
// candidate.
func (m *MutableSysroot) Close() error {
	return lock.Release(m.lockFd)
}

// Keep writes the keep marker so garbage collection never deletes this
// copy.
func (m *MutableSysroot) Keep() error {
	return os.WriteFile(filepath.Join(m.Dir, keepMarker), nil, 0o644)
}

// NewMutableSysroot copies the runtime's merged-/usr content from source
// into a fresh tmp-XXXXXX directory under varDir and returns it with its
// shared lock held.
//
// A shared lock on the source's own ref file (when it has one) blocks
// deletion of the source mid-copy; an exclusive lock on the variable
// directory's control file serializes creation against other creators and
// against garbage collection. Only once the copy is fully populated and
// its own ref lock is held are the creation-time locks released.
func NewMutableSysroot(varDir, source string, shape runtimeShape) (*MutableSysroot, error) {
	if err := fs.EnsureDir(varDir, 0o755); err != nil {
		return nil, err
	}

	sourceRef := filepath.Join(usrDir(source, shape), refFile)
	sourceFd := -1
	if fs.IsFile(sourceRef) {
		fd, err := lock.Shared(sourceRef)
		if err != nil {
			return nil, errors.Wrapf(err, "could not lock source runtime %s", source)
		}
		sourceFd = fd
		defer lock.Release(sourceFd)
	}

	controlPath := filepath.Join(varDir, controlFile)
	if err := touch(controlPath); err != nil {
		return nil, err
	}
	controlFd, err := lock.Exclusive(controlPath)
	if err != nil {
		return nil, errors.Wrapf(err, "could not lock variable directory %s", varDir)
	}
	defer lock.Release(controlFd)

	dir, err := os.MkdirTemp(varDir, "tmp-")
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	sylog.Debugf("Copying runtime %s into %s", source, dir)
	copyUsr := filepath.Join(dir, "usr")
	if shape == shapeManifest {
		// packaged runtimes carry a file manifest: the copy is driven by
		// it and every file is hash-verified on the way in
		manifest := findManifest(source)
		if manifest == "" {
			os.RemoveAll(dir)
			return nil, fmt.Errorf("runtime %s has no file manifest", source)
		}
		if err := unpackManifest(manifest, usrDir(source, shape), copyUsr); err != nil {
			os.RemoveAll(dir)
			return nil, errors.Wrapf(err, "could not unpack runtime into %s", dir)
		}
	} else if err := fs.CopyTree(usrDir(source, shape), copyUsr); err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "could not copy runtime into %s", dir)
	}
	if shape == shapeSysroot {
		if err := copySysrootExtras(source, dir); err != nil {
			os.RemoveAll(dir)
			return nil, err
		}
	} else {
		// merged-usr: the usual aliases into usr
		for _, name := range []string{"bin", "sbin", "lib", "lib64", "lib32"} {
			if fs.IsDir(filepath.Join(copyUsr, name)) {
				if err := os.Symlink(filepath.Join("usr", name), filepath.Join(dir, name)); err != nil {
					os.RemoveAll(dir)
					return nil, err
				}
			}
		}
	}

	// the copy gets a lock of its own, independent of the source's
	refPath := filepath.Join(copyUsr, refFile)
	ownFd, err := lock.Shared(refPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "could not lock new copy %s", dir)
	}
	if shape != shapeSysroot {
		if err := os.Symlink(filepath.Join("usr", refFile), filepath.Join(dir, refFile)); err != nil {
			lock.Release(ownFd)
			os.RemoveAll(dir)
			return nil, err
		}
	}

	return &MutableSysroot{Dir: dir, lockFd: ownFd}, nil
}

// touch creates an empty file if none exists.
func touch(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// copySysrootExtras brings over the non-usr parts of a plain sysroot:
// top-level symlinks are recreated, etc and var content is copied.
func copySysrootExtras(source, dir string) error {
	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if name == "usr" {
			continue
		}
		src := filepath.Join(source, name)
		dst := filepath.Join(dir, name)
		switch {
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dst); err != nil {
				return err
			}
		case entry.IsDir():
			if err := fs.CopyTree(src, dst); err != nil {
				return err
			}
		default:
			info, err := entry.Info()
			if err != nil {
				return err
			}
			if err := fs.CopyFile(src, dst, info.Mode().Perm()); err != nil {
				return err
			}
		}
	}
	return nil
}
