// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sysroot

import (
	"errors"
	"strings"

	"golang.org/x/sys/unix"
)

// maxSymlinkExpansions bounds how many symlinks one resolution may follow
// before the walk is declared a loop.
const maxSymlinkExpansions = 256

// resolveFdRelative walks p one component at a time relative to the
// sysroot's descriptor. Every component is opened O_NOFOLLOW so that an
// intermediate symlink cannot redirect the walk outside the root; symlink
// targets are spliced back into the remaining components, with absolute
// targets restarting from the sysroot itself rather than the real root.
func (s *Sysroot) resolveFdRelative(p string, flags ResolveFlags) (int, string, error) {
	var rest []string
	if trimmed := trimPath(p); trimmed != "" {
		rest = strings.Split(trimmed, "/")
	}

	current, err := unix.Dup(s.fd)
	if err != nil {
		return -1, "", &Error{Op: "dup", Path: s.path, Err: err}
	}

	var canonical []string
	expansions := 0

	for len(rest) > 0 {
		comp := rest[0]
		rest = rest[1:]

		switch comp {
		case "", ".":
			continue
		case "..":
			if len(canonical) > 0 {
				canonical = canonical[:len(canonical)-1]
			}
			nfd, err := s.walkCanonical(canonical)
			if err != nil {
				unix.Close(current)
				return -1, "", &Error{Op: "resolve", Path: p, Err: err}
			}
			unix.Close(current)
			current = nfd
			continue
		}

		final := len(rest) == 0

		fd, err := unix.Openat(current, comp, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		if err != nil && errors.Is(err, unix.ENOENT) && flags&ResolveMkdirP != 0 {
			if merr := unix.Mkdirat(current, comp, 0o755); merr != nil && !errors.Is(merr, unix.EEXIST) {
				unix.Close(current)
				return -1, "", &Error{Op: "mkdir", Path: p, Err: merr}
			}
			fd, err = unix.Openat(current, comp, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		}
		if err != nil {
			unix.Close(current)
			return -1, "", &Error{Op: "resolve", Path: p, Err: err}
		}

		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			unix.Close(current)
			return -1, "", &Error{Op: "stat", Path: p, Err: err}
		}

		if st.Mode&unix.S_IFMT == unix.S_IFLNK {
			if flags&ResolveRejectSymlinks != 0 {
				unix.Close(fd)
				unix.Close(current)
				return -1, "", &Error{Op: "resolve", Path: p, Err: unix.ELOOP}
			}
			if final && flags&ResolveKeepFinalSymlink != 0 {
				unix.Close(current)
				canonical = append(canonical, comp)
				return fd, strings.Join(canonical, "/"), nil
			}

			expansions++
			if expansions > maxSymlinkExpansions {
				unix.Close(fd)
				unix.Close(current)
				return -1, "", &Error{Op: "resolve", Path: p, Err: unix.ELOOP}
			}

			target, err := readlinkAt(fd)
			unix.Close(fd)
			if err != nil {
				unix.Close(current)
				return -1, "", &Error{Op: "readlink", Path: p, Err: err}
			}

			if strings.HasPrefix(target, "/") {
				// An absolute target names a path inside this sysroot,
				// not the real root.
				nfd, err := unix.Dup(s.fd)
				if err != nil {
					unix.Close(current)
					return -1, "", &Error{Op: "dup", Path: s.path, Err: err}
				}
				unix.Close(current)
				current = nfd
				canonical = nil
			}

			var tcomps []string
			if trimmed := trimPath(target); trimmed != "" {
				tcomps = strings.Split(trimmed, "/")
			}
			rest = append(tcomps, rest...)
			continue
		}

		if !final && st.Mode&unix.S_IFMT != unix.S_IFDIR {
			unix.Close(fd)
			unix.Close(current)
			return -1, "", &Error{Op: "resolve", Path: p, Err: unix.ENOTDIR}
		}

		unix.Close(current)
		current = fd
		canonical = append(canonical, comp)
	}

	if flags&ResolveReadable != 0 {
		nfd, err := reopenReadable(current)
		if err != nil {
			unix.Close(current)
			return -1, "", &Error{Op: "open", Path: p, Err: err}
		}
		unix.Close(current)
		current = nfd
	}

	return current, strings.Join(canonical, "/"), nil
}

// walkCanonical reopens a descriptor for an already-verified root-relative
// directory path. Every component in comps has previously been resolved as
// a non-symlink directory, so the walk cannot fail for symlink reasons.
func (s *Sysroot) walkCanonical(comps []string) (int, error) {
	current, err := unix.Dup(s.fd)
	if err != nil {
		return -1, err
	}
	for _, comp := range comps {
		fd, err := unix.Openat(current, comp, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
		unix.Close(current)
		if err != nil {
			return -1, err
		}
		current = fd
	}
	return current, nil
}

// reopenReadable upgrades an O_PATH descriptor to one opened for reading,
// using the /proc/self/fd indirection. Directories become directory
// streams.
func reopenReadable(fd int) (int, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return -1, err
	}

	how := unix.O_RDONLY | unix.O_CLOEXEC
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		how |= unix.O_DIRECTORY
	}
	return unix.Open(procSelfFd(fd), how, 0)
}
