// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package buildcfg exposes compile-time parameters of the vessel build.
package buildcfg

//nolint:revive,stylecheck
const (
	PACKAGE_NAME    = "vessel"
	PACKAGE_VERSION = "0.3.0"

	// RUN_DIR is the fixed private runtime directory inside the container.
	// It is chosen not to collide with reserved mount points and to remain
	// resolvable through an interpreter overlay root.
	RUN_DIR = "/run/vessel"

	// HOST_MOUNT is the well-known mount point at which the graphics
	// provider's root is exposed inside the container when it differs from
	// the container's own root.
	HOST_MOUNT = "/run/host"

	// INTERPRETER_HOST_MOUNT is the mount point for the real host root when
	// running under a CPU interpreter/emulator overlay.
	INTERPRETER_HOST_MOUNT = "/run/interpreter-host"

	// OVERRIDES_DIR is the in-container staging area for captured provider
	// libraries and rewritten driver manifests.
	OVERRIDES_DIR = "/overrides"

	// VAR_DIR is the default variable directory under which mutable runtime
	// copies are created, relative to the per-user state directory.
	VAR_DIR = "var"

	// DEFAULT_PATH inside the container. Forced regardless of the host PATH.
	DEFAULT_PATH = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)
