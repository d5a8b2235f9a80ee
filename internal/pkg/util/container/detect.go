// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package container detects whether the current process already runs
// inside a container, which affects whether a nested sandbox can be
// created.
package container

import (
	"os"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/util/fs"
)

// Type identifies the containment technology the process runs under.
type Type string

const (
	// None means the process runs directly on the host.
	None Type = ""
	// Flatpak means the process runs inside a Flatpak sandbox.
	Flatpak Type = "flatpak"
	// Docker covers Docker and compatible engines.
	Docker Type = "docker"
	// Podman covers podman containers.
	Podman Type = "podman"
	// Systemd covers systemd-nspawn and similar machined containers.
	Systemd Type = "systemd-nspawn"
	// Unknown means some containment was detected but its flavor was not.
	Unknown Type = "unknown"
)

// Current returns the containment technology the process runs under, or
// None. Detection is best effort; an Unknown result still means nested
// sandboxing may be restricted.
func Current() Type {
	switch {
	case fs.IsFile("/.flatpak-info"):
		return Flatpak
	case fs.IsFile("/run/.containerenv"):
		return Podman
	case fs.IsFile("/.dockerenv"):
		return Docker
	}
	if data, err := os.ReadFile("/run/systemd/container"); err == nil {
		name := strings.TrimSpace(string(data))
		if name == "systemd-nspawn" {
			return Systemd
		}
		if name != "" {
			return Unknown
		}
	}
	return None
}
