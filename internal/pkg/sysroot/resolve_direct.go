// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sysroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/sys/unix"
)

// resolveDirect resolves p by joining it onto the sysroot path and letting
// the kernel follow symlinks. Containment is still enforced lexically via
// securejoin, but absolute symlink targets are taken literally, which is
// the correct interpretation when the sysroot is the live root.
func (s *Sysroot) resolveDirect(p string, flags ResolveFlags) (int, string, error) {
	rel := trimPath(p)

	if flags&ResolveRejectSymlinks != 0 {
		if err := s.rejectSymlinks(rel); err != nil {
			return -1, "", err
		}
	}

	var (
		full string
		err  error
	)
	if flags&ResolveKeepFinalSymlink != 0 && rel != "" {
		// Resolve the parent only, then re-attach the final component
		// without following it.
		parent, base := filepath.Split(rel)
		full, err = securejoin.SecureJoin(s.path, parent)
		if err == nil {
			full = filepath.Join(full, base)
		}
	} else {
		full, err = securejoin.SecureJoin(s.path, rel)
	}
	if err != nil {
		return -1, "", &Error{Op: "resolve", Path: p, Err: err}
	}

	if flags&ResolveMkdirP != 0 {
		target := full
		if flags&ResolveKeepFinalSymlink != 0 {
			target = filepath.Dir(full)
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return -1, "", &Error{Op: "mkdir", Path: p, Err: err}
		}
	}

	how := unix.O_PATH | unix.O_CLOEXEC
	if flags&ResolveKeepFinalSymlink != 0 {
		how |= unix.O_NOFOLLOW
	}
	if flags&ResolveReadable != 0 {
		// The final component may itself be a symlink to be followed by
		// the kernel; open directly for reading.
		how = unix.O_RDONLY | unix.O_CLOEXEC
	}

	fd, err := unix.Open(full, how, 0)
	if err != nil {
		return -1, "", &Error{Op: "resolve", Path: p, Err: err}
	}

	canonical, err := s.canonicalOf(full)
	if err != nil {
		unix.Close(fd)
		return -1, "", &Error{Op: "resolve", Path: p, Err: err}
	}
	return fd, canonical, nil
}

// rejectSymlinks walks rel component by component and fails with ELOOP on
// the first symlink found.
func (s *Sysroot) rejectSymlinks(rel string) error {
	if rel == "" {
		return nil
	}
	current := s.path
	for _, comp := range strings.Split(rel, "/") {
		current = filepath.Join(current, comp)
		fi, err := os.Lstat(current)
		if err != nil {
			return &Error{Op: "resolve", Path: rel, Err: err}
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return &Error{Op: "resolve", Path: rel, Err: unix.ELOOP}
		}
	}
	return nil
}

// canonicalOf converts a resolved absolute path back to the root-relative
// canonical form.
func (s *Sysroot) canonicalOf(full string) (string, error) {
	if s.path == "/" {
		return strings.TrimPrefix(filepath.Clean(full), "/"), nil
	}
	rel, err := filepath.Rel(s.path, full)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%q escapes sysroot %q", full, s.path)
	}
	return rel, nil
}

// procSelfFd returns the magic-link path for an open descriptor.
func procSelfFd(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}
