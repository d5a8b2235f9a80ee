// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package sysroot

// ResolveFlags alter how Sysroot.Resolve walks and validates a path. Flags
// are composable except where documented.
type ResolveFlags uint

const (
	// ResolveMkdirP creates missing directory components during the walk.
	// An existing component that is neither a directory nor a symlink to a
	// directory is still an error. Walking through a dangling symlink with
	// this flag set creates the symlink's target directory and continues
	// resolution there.
	ResolveMkdirP ResolveFlags = 1 << iota

	// ResolveKeepFinalSymlink does not dereference the last component if it
	// is a symlink; the symlink itself is returned.
	ResolveKeepFinalSymlink

	// ResolveRejectSymlinks fails with a too-many-links error if any
	// component, including the last, is a symlink.
	ResolveRejectSymlinks

	// ResolveReadable opens the result for reading instead of
	// attribute-only access. For a directory this opens a directory stream.
	ResolveReadable

	// ResolveMustBeDirectory requires the result to be a directory.
	ResolveMustBeDirectory

	// ResolveMustBeRegular requires the result to be a regular file.
	ResolveMustBeRegular

	// ResolveMustBeExecutable requires the result to be a regular file
	// executable by someone.
	ResolveMustBeExecutable

	// ResolveReturnAbsolute prefixes the returned canonical path with "/".
	ResolveReturnAbsolute
)
