// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"path/filepath"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/sysroot"
)

// Provider is the filesystem location supplying live graphics and compute
// drivers, usually the host OS, possibly a foreign sysroot.
type Provider struct {
	// Root is the provider's tree, opened for resolution.
	Root *sysroot.Sysroot
	// PathInContainer is where the provider's root will appear inside the
	// container, e.g. "/run/host". Empty only when the provider tree is
	// the container's own root.
	PathInContainer string
	// PathInCurrentNS is where the provider's root is reachable from the
	// composing process, usually "/".
	PathInCurrentNS string
}

// IsLiveRoot reports whether the provider is the running process's own
// root, which is the only case where the dynamic loader can be asked to
// resolve paths containing linker tokens.
func (p *Provider) IsLiveRoot() bool {
	return p.Root.IsReal() && p.PathInCurrentNS == "/"
}

// InContainer translates an absolute provider path into the path the
// container will see.
func (p *Provider) InContainer(path string) string {
	if p.PathInContainer == "" {
		return path
	}
	return filepath.Join(p.PathInContainer, strings.TrimPrefix(path, "/"))
}

// InCurrentNS translates an absolute provider path into the path the
// composing process can open.
func (p *Provider) InCurrentNS(path string) string {
	if p.PathInCurrentNS == "" || p.PathInCurrentNS == "/" {
		return path
	}
	return filepath.Join(p.PathInCurrentNS, strings.TrimPrefix(path, "/"))
}

// FromContainer is the inverse of InContainer: it translates a container
// path under the provider's mount point back into the provider's own
// absolute path.
func (p *Provider) FromContainer(path string) string {
	if p.PathInContainer == "" {
		return path
	}
	trimmed := strings.TrimPrefix(path, p.PathInContainer)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// InProvider is the inverse of InCurrentNS: it translates a path opened by
// the composing process back into the provider's own absolute path.
func (p *Provider) InProvider(path string) string {
	if p.PathInCurrentNS == "" || p.PathInCurrentNS == "/" {
		return path
	}
	trimmed := strings.TrimPrefix(path, p.PathInCurrentNS)
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
