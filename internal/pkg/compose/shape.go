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
	"path/filepath"

	"github.com/apptainer/vessel/internal/pkg/util/fs"
)

// runtimeShape describes how a base runtime image is laid out on disk,
// which governs how its files are located and whether a private copy is
// mandatory.
type runtimeShape int

const (
	// shapeManifest is a runtime shipped as a manifest file plus a
	// files/ payload; it must be unpacked into a mutable copy.
	shapeManifest runtimeShape = iota
	// shapeFlatpak has a files/ subdirectory acting as the merged /usr.
	shapeFlatpak
	// shapeSysroot is a plain tree with its own usr/ subdirectory.
	shapeSysroot
	// shapeMergedUsr is a bare merged-/usr tree: the source directory
	// itself is the /usr content.
	shapeMergedUsr
)

func (s runtimeShape) String() string {
	switch s {
	case shapeManifest:
		return "manifest"
	case shapeFlatpak:
		return "flatpak"
	case shapeSysroot:
		return "sysroot"
	case shapeMergedUsr:
		return "merged-usr"
	}
	return "unknown"
}

// manifestNames are the file-list manifests a packaged runtime may ship.
var manifestNames = []string{"usr-mtree.txt.gz", "usr-mtree.txt"}

// detectShape classifies the runtime source directory.
func detectShape(source string) (runtimeShape, error) {
	if !fs.IsDir(source) {
		return 0, fmt.Errorf("runtime %s is not a directory", source)
	}
	for _, name := range manifestNames {
		if fs.IsFile(filepath.Join(source, name)) {
			return shapeManifest, nil
		}
	}
	if fs.IsDir(filepath.Join(source, "files")) {
		return shapeFlatpak, nil
	}
	if fs.IsDir(filepath.Join(source, "usr")) {
		return shapeSysroot, nil
	}
	if fs.IsDir(filepath.Join(source, "share")) || fs.IsDir(filepath.Join(source, "lib")) {
		return shapeMergedUsr, nil
	}
	return 0, fmt.Errorf("cannot determine the layout of runtime %s", source)
}

// usrDir returns the path of the merged-/usr content within a runtime
// tree of the given shape.
func usrDir(source string, shape runtimeShape) string {
	switch shape {
	case shapeManifest, shapeFlatpak:
		return filepath.Join(source, "files")
	case shapeSysroot:
		return filepath.Join(source, "usr")
	default:
		return source
	}
}
