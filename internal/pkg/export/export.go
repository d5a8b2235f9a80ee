// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package export decides whether and how host paths are made visible inside
// the sandbox, and collects symlink targets that must be exposed so that
// captured-driver symlinks do not dangle.
package export

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/pkg/sylog"
)

// Mode describes how a path is exposed in the sandbox.
type Mode int

const (
	// ModeNone hides the path (masked with an empty tmpfs).
	ModeNone Mode = iota
	// ModeCreateEmpty materializes an empty file at the path.
	ModeCreateEmpty
	// ModeReadOnly bind-mounts the path read-only.
	ModeReadOnly
	// ModeReadWrite bind-mounts the path read-write.
	ModeReadWrite
)

// errNotMountable marks host paths of a type that cannot be bind-mounted
// usefully (sockets, devices found where a file was expected).
var errNotMountable = errors.New("not a mountable file")

// excludePrefixes lists symlink-target prefixes that are assumed to refer
// to paths inside the container rather than on the host, and are therefore
// never exported. "/lib" intentionally has no trailing slash so it also
// matches lib64 and friends.
var excludePrefixes = []string{
	"/app/",
	"/bin/",
	"/dev/",
	"/etc/",
	"/lib",
	"/overrides/",
	"/proc/",
	"/run/gfx/",
	"/run/host/",
	"/run/interpreter-host/",
	"/run/vessel/",
	"/sbin/",
	"/usr/",
	"/var/vessel/",
}

// Planner accumulates exposure decisions into a sandbox argument sink.
type Planner struct {
	sink bwrap.Sink
	host *sysroot.Sysroot
}

// New returns a Planner that looks paths up in host and appends the
// resulting operations to sink.
func New(sink bwrap.Sink, host *sysroot.Sysroot) *Planner {
	return &Planner{sink: sink, host: host}
}

// Expose requests that path be made visible with the given mode. Failure to
// expose is not fatal: "not found" is logged quietly, anything else as a
// warning.
func (p *Planner) Expose(mode Mode, path string) {
	if err := p.expose(mode, path); err != nil {
		if sysroot.IsNotFound(err) {
			sylog.Debugf("Not exposing %s: %v", path, err)
		} else {
			sylog.Warningf("Unable to expose %s: %v", path, err)
		}
	}
}

// ExposeOrWarn is Expose, but any failure is logged as a warning.
func (p *Planner) ExposeOrWarn(mode Mode, path string) {
	if err := p.expose(mode, path); err != nil {
		sylog.Warningf("Unable to expose %s: %v", path, err)
	}
}

// ExposeQuietly is Expose, but "not a mountable file" is also downgraded to
// a quiet log message.
func (p *Planner) ExposeQuietly(mode Mode, path string) {
	if err := p.expose(mode, path); err != nil {
		if sysroot.IsNotFound(err) || errors.Is(err, errNotMountable) {
			sylog.Debugf("Not exposing %s: %v", path, err)
		} else {
			sylog.Warningf("Unable to expose %s: %v", path, err)
		}
	}
}

// Mask replaces path with an empty writable tmpfs instead of exposing its
// real content.
func (p *Planner) Mask(path string) {
	p.sink.AddTmpfs(path)
}

// EnsureDir creates path as a directory inside the sandbox.
func (p *Planner) EnsureDir(path string) {
	p.sink.AddDir(path)
}

func (p *Planner) expose(mode Mode, path string) error {
	switch mode {
	case ModeNone:
		p.Mask(path)
		return nil
	case ModeCreateEmpty:
		p.sink.AddDataFile(nil, path)
		return nil
	}

	canonical, err := p.host.ResolvePath(path, sysroot.ResolveReturnAbsolute)
	if err != nil {
		return err
	}

	real := p.host.RealPath(canonical)
	fi, err := os.Stat(real)
	if err != nil {
		return err
	}
	if !fi.IsDir() && !fi.Mode().IsRegular() {
		return errNotMountable
	}

	if mode == ModeReadWrite {
		p.sink.AddRwBind(real, canonical)
	} else {
		p.sink.AddRoBind(real, canonical)
	}
	return nil
}

// ExportSymlinkTargets walks the directory tree rooted at sourceDir and,
// for every symlink whose target is an absolute path outside the excluded
// prefixes, exposes that target read-only. The overrides directory is full
// of symlinks pointing at real provider files; each such target must itself
// be visible in the sandbox or the symlink will dangle. logLabel replaces
// sourceDir in log messages so they describe the in-container location.
func (p *Planner) ExportSymlinkTargets(sourceDir, logLabel string) error {
	return filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&os.ModeSymlink == 0 {
			return nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			sylog.Warningf("Unable to read symlink %s: %v", path, err)
			return nil
		}
		if !strings.HasPrefix(target, "/") {
			return nil
		}
		for _, prefix := range excludePrefixes {
			if strings.HasPrefix(target, prefix) {
				return nil
			}
		}

		display := path
		if rel, err := filepath.Rel(sourceDir, path); err == nil {
			display = filepath.Join(logLabel, rel)
		}
		sylog.Debugf("Exposing %s because %s points at it", target, display)
		p.Expose(ModeReadOnly, target)
		return nil
	})
}
