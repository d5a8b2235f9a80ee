// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bwrap accumulates a filesystem and environment plan and renders
// it as a bubblewrap argument list. The composition engine only ever
// appends to the Sink interface; it never issues mount syscalls itself.
package bwrap

import (
	"fmt"
	"sort"
)

// Sink is the abstract plan builder consumed by every composition
// component.
type Sink interface {
	// AddRoBind exposes hostPath read-only at containerPath.
	AddRoBind(hostPath, containerPath string)
	// AddRwBind exposes hostPath read-write at containerPath.
	AddRwBind(hostPath, containerPath string)
	// AddSymlink creates a symlink at containerPath pointing to target.
	AddSymlink(target, containerPath string)
	// AddTmpfs mounts an empty writable tmpfs over containerPath.
	AddTmpfs(containerPath string)
	// AddDir creates a directory at containerPath.
	AddDir(containerPath string)
	// AddDataFile materializes content as a read-only file at
	// containerPath.
	AddDataFile(content []byte, containerPath string)
	// SetEnv sets an environment variable in the container.
	SetEnv(name, value string)
	// UnsetEnv removes an environment variable from the container.
	UnsetEnv(name string)
}

// DataFile is synthesized file content to be attached to the bwrap
// invocation through an inherited file descriptor.
type DataFile struct {
	Content []byte
	Dest    string
	// Fd is the descriptor number the bwrap child will read the content
	// from; assigned sequentially from firstDataFd.
	Fd int
}

// bwrap inherits 0, 1, 2 and whatever the launcher needs below this.
const firstDataFd = 10

// Bwrap renders the accumulated plan as bubblewrap arguments.
type Bwrap struct {
	args      []string
	dataFiles []DataFile
	env       map[string]*string
	envOrder  []string
	nextFd    int
}

var _ Sink = (*Bwrap)(nil)

// New returns an empty argument builder.
func New() *Bwrap {
	return &Bwrap{
		env:    make(map[string]*string),
		nextFd: firstDataFd,
	}
}

func (b *Bwrap) AddRoBind(hostPath, containerPath string) {
	b.args = append(b.args, "--ro-bind", hostPath, containerPath)
}

func (b *Bwrap) AddRwBind(hostPath, containerPath string) {
	b.args = append(b.args, "--bind", hostPath, containerPath)
}

func (b *Bwrap) AddSymlink(target, containerPath string) {
	b.args = append(b.args, "--symlink", target, containerPath)
}

func (b *Bwrap) AddTmpfs(containerPath string) {
	b.args = append(b.args, "--tmpfs", containerPath)
}

func (b *Bwrap) AddDir(containerPath string) {
	b.args = append(b.args, "--dir", containerPath)
}

func (b *Bwrap) AddDataFile(content []byte, containerPath string) {
	fd := b.nextFd
	b.nextFd++
	b.dataFiles = append(b.dataFiles, DataFile{Content: content, Dest: containerPath, Fd: fd})
	b.args = append(b.args, "--ro-bind-data", fmt.Sprintf("%d", fd), containerPath)
}

func (b *Bwrap) SetEnv(name, value string) {
	if _, seen := b.env[name]; !seen {
		b.envOrder = append(b.envOrder, name)
	}
	v := value
	b.env[name] = &v
}

func (b *Bwrap) UnsetEnv(name string) {
	if _, seen := b.env[name]; !seen {
		b.envOrder = append(b.envOrder, name)
	}
	b.env[name] = nil
}

// Env returns the accumulated environment overlay in insertion order. A nil
// value means the variable must be unset in the container.
func (b *Bwrap) Env() map[string]*string {
	out := make(map[string]*string, len(b.env))
	for k, v := range b.env {
		out[k] = v
	}
	return out
}

// DataFiles returns the synthesized files to attach to the invocation.
func (b *Bwrap) DataFiles() []DataFile {
	return b.dataFiles
}

// Args renders the complete argument list: filesystem operations in
// append order, then the environment overlay.
func (b *Bwrap) Args() []string {
	out := make([]string, 0, len(b.args)+4*len(b.envOrder))
	out = append(out, b.args...)
	for _, name := range b.envOrder {
		if v := b.env[name]; v != nil {
			out = append(out, "--setenv", name, *v)
		} else {
			out = append(out, "--unsetenv", name)
		}
	}
	return out
}

// HasBind reports whether containerPath is already the destination of a
// bind or symlink operation.
func (b *Bwrap) HasBind(containerPath string) bool {
	for i := 0; i < len(b.args); i++ {
		switch b.args[i] {
		case "--ro-bind", "--bind", "--symlink", "--ro-bind-data":
			if i+2 < len(b.args) && b.args[i+2] == containerPath {
				return true
			}
			i += 2
		case "--tmpfs", "--dir":
			if i+1 < len(b.args) && b.args[i+1] == containerPath {
				return true
			}
			i++
		}
	}
	return false
}

// SortedEnvNames returns the overlay variable names sorted, for stable
// logging.
func (b *Bwrap) SortedEnvNames() []string {
	names := make([]string, len(b.envOrder))
	copy(names, b.envOrder)
	sort.Strings(names)
	return names
}
