// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package sysroot implements symlink-safe path resolution inside a root
// directory. A Sysroot is opened once per logical root and all lookups are
// performed relative to it, so that no symlink inside the tree can escape to
// the live filesystem root.
//
// Two resolution modes exist. In fd-relative mode every walk step is an
// openat relative to the root's directory descriptor and absolute symlink
// targets are reinterpreted as rooted at the sysroot. In direct mode the
// root is the live "/" (or trusted equivalent) and the kernel resolves
// symlinks natively.
package sysroot

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Mode selects how paths are resolved within the sysroot.
type Mode int

const (
	// ModeFdRelative resolves component by component relative to the
	// sysroot's directory descriptor.
	ModeFdRelative Mode = iota
	// ModeDirect resolves by prefixing the sysroot path and letting the
	// kernel follow symlinks. Only correct when the sysroot is the live
	// root, where absolute symlink targets mean what they say.
	ModeDirect
)

// Sysroot is an open root directory against which paths are resolved.
type Sysroot struct {
	path string
	mode Mode
	fd   int
}

// Open opens path as a sysroot in fd-relative mode.
func Open(path string) (*Sysroot, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &Error{Op: "open sysroot", Path: path, Err: err}
	}
	return &Sysroot{path: filepath.Clean(path), mode: ModeFdRelative, fd: fd}, nil
}

// OpenDirect opens path as a sysroot in direct mode. This is the correct
// mode when path is the real root of the running system.
func OpenDirect(path string) (*Sysroot, error) {
	fd, err := unix.Open(path, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &Error{Op: "open sysroot", Path: path, Err: err}
	}
	return &Sysroot{path: filepath.Clean(path), mode: ModeDirect, fd: fd}, nil
}

// Close releases the sysroot's directory descriptor.
func (s *Sysroot) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}

// Path returns the sysroot's base path.
func (s *Sysroot) Path() string {
	return s.path
}

// Mode returns the sysroot's resolution mode.
func (s *Sysroot) Mode() Mode {
	return s.mode
}

// IsReal reports whether this sysroot is the live filesystem root.
func (s *Sysroot) IsReal() bool {
	return s.path == "/"
}

// RealPath returns the path of canonical (a root-relative resolved path) as
// seen from outside the sysroot.
func (s *Sysroot) RealPath(canonical string) string {
	return filepath.Join(s.path, strings.TrimPrefix(canonical, "/"))
}

// Resolve resolves p inside the sysroot according to flags. It returns an
// open descriptor for the resolved file (O_PATH unless ResolveReadable was
// requested) and the canonical root-relative path. The caller must close
// the descriptor with unix.Close.
func (s *Sysroot) Resolve(p string, flags ResolveFlags) (int, string, error) {
	if flags&ResolveRejectSymlinks != 0 && flags&ResolveKeepFinalSymlink != 0 {
		return -1, "", fmt.Errorf("cannot both reject and keep symlinks resolving %q", p)
	}
	// a kept symlink cannot be opened for reading without following it
	if flags&ResolveReadable != 0 && flags&ResolveKeepFinalSymlink != 0 {
		return -1, "", fmt.Errorf("cannot open a kept symlink readable resolving %q", p)
	}

	var (
		fd        int
		canonical string
		err       error
	)
	if s.mode == ModeDirect {
		fd, canonical, err = s.resolveDirect(p, flags)
	} else {
		fd, canonical, err = s.resolveFdRelative(p, flags)
	}
	if err != nil {
		return -1, "", err
	}

	if err := s.checkResolved(fd, p, flags); err != nil {
		unix.Close(fd)
		return -1, "", err
	}

	if flags&ResolveReturnAbsolute != 0 {
		canonical = "/" + canonical
	}
	return fd, canonical, nil
}

// ResolvePath is Resolve without keeping the descriptor open.
func (s *Sysroot) ResolvePath(p string, flags ResolveFlags) (string, error) {
	fd, canonical, err := s.Resolve(p, flags)
	if err != nil {
		return "", err
	}
	unix.Close(fd)
	return canonical, nil
}

// Test reports whether p resolves successfully with the given flags.
func (s *Sysroot) Test(p string, flags ResolveFlags) bool {
	_, err := s.ResolvePath(p, flags)
	return err == nil
}

// Load resolves p as a regular file and returns its contents together with
// the canonical root-relative path.
func (s *Sysroot) Load(p string) ([]byte, string, error) {
	fd, canonical, err := s.Resolve(p, ResolveReadable|ResolveMustBeRegular)
	if err != nil {
		return nil, "", err
	}
	f := os.NewFile(uintptr(fd), s.RealPath(canonical))
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, "", &Error{Op: "read", Path: p, Err: err}
	}
	return content, canonical, nil
}

// Readlink resolves p keeping the final symlink and returns its target.
func (s *Sysroot) Readlink(p string) (string, error) {
	fd, canonical, err := s.Resolve(p, ResolveKeepFinalSymlink)
	if err != nil {
		return "", err
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return "", &Error{Op: "stat", Path: p, Err: err}
	}
	if st.Mode&unix.S_IFMT != unix.S_IFLNK {
		return "", &Error{Op: "readlink", Path: p, Err: unix.EINVAL}
	}
	if s.mode == ModeDirect {
		return os.Readlink(s.RealPath(canonical))
	}
	return readlinkAt(fd)
}

// readlinkAt reads the target of the symlink that fd itself refers to.
func readlinkAt(fd int) (string, error) {
	for size := 128; ; size *= 2 {
		buf := make([]byte, size)
		n, err := unix.Readlinkat(fd, "", buf)
		if err != nil {
			return "", err
		}
		if n < size {
			return string(buf[:n]), nil
		}
	}
}

// checkResolved applies the MustBe* post-resolution checks.
func (s *Sysroot) checkResolved(fd int, p string, flags ResolveFlags) error {
	if flags&(ResolveMustBeDirectory|ResolveMustBeRegular|ResolveMustBeExecutable) == 0 {
		return nil
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return &Error{Op: "stat", Path: p, Err: err}
	}
	typ := st.Mode & unix.S_IFMT

	if flags&ResolveMustBeDirectory != 0 && typ != unix.S_IFDIR {
		return &Error{Op: "resolve", Path: p, Err: unix.ENOTDIR}
	}
	if flags&(ResolveMustBeRegular|ResolveMustBeExecutable) != 0 && typ != unix.S_IFREG {
		return &Error{Op: "resolve", Path: p, Err: errNotRegular}
	}
	if flags&ResolveMustBeExecutable != 0 && st.Mode&0o111 == 0 {
		return &Error{Op: "resolve", Path: p, Err: unix.EACCES}
	}
	return nil
}

// trimPath normalizes p into a root-relative slash path with no leading or
// trailing slashes. ".." components are resolved lexically here; they can
// never climb above the root.
func trimPath(p string) string {
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
