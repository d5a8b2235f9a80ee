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
	"fmt"
	"io/fs"

	"golang.org/x/sys/unix"
)

var errNotRegular = errors.New("not a regular file")

// Error is returned by resolution operations. Err carries the specific
// cause; use the IsNotFound/IsNotDirectory/IsTooManyLinks helpers or
// errors.Is to classify it.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means a path component did not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, unix.ENOENT) || errors.Is(err, fs.ErrNotExist)
}

// IsNotDirectory reports whether err means a non-terminal component existed
// but was not a directory.
func IsNotDirectory(err error) bool {
	return errors.Is(err, unix.ENOTDIR)
}

// IsNotRegular reports whether err means the result was required to be a
// regular file but was not.
func IsNotRegular(err error) bool {
	return errors.Is(err, errNotRegular)
}

// IsTooManyLinks reports whether err means a symlink was encountered while
// symlinks were rejected, or a symlink loop was detected.
func IsTooManyLinks(err error) bool {
	return errors.Is(err, unix.ELOOP)
}

// IsPermission reports whether err means access was denied.
func IsPermission(err error) bool {
	return errors.Is(err, unix.EACCES) || errors.Is(err, fs.ErrPermission)
}
