// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fs provides small filesystem predicates and helpers shared across
// vessel packages.
package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// IsFile checks if the path is an existing regular file (following symlinks).
func IsFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// IsDir checks if the path is an existing directory (following symlinks).
func IsDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// IsLink checks if the path is a symbolic link.
func IsLink(path string) bool {
	info, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeSymlink != 0
}

// IsExec checks if the path is an existing file executable by the caller.
func IsExec(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// IsWritable checks if the path can be opened for writing by the caller.
func IsWritable(path string) bool {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// EnsureDir creates path and any missing parents as directories.
func EnsureDir(path string, mode os.FileMode) error {
	if IsDir(path) {
		return nil
	}
	return os.MkdirAll(path, mode)
}

// CopyFile copies a regular file from src to dst, preserving the given mode.
// dst's parent directory must already exist.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("could not open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("could not create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("could not copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// CopyTree copies the directory tree rooted at src into dst. Symbolic links
// are recreated as links, regular files are copied with their permission
// bits, directories are created as needed. Other file types are skipped.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		case info.Mode().IsRegular():
			return CopyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

// FirstExistingFile evaluates a list of paths and returns the first one that
// is an existing regular file, or the empty string if there is none.
func FirstExistingFile(paths ...string) string {
	for _, path := range paths {
		if IsFile(path) {
			return path
		}
	}
	return ""
}
