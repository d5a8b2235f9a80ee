// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package compose orchestrates container composition: locating the base
// runtime image, deciding between direct binding and a private mutable
// copy, binding the base tree and the graphics provider into the sandbox
// plan, and delegating driver import to the driver engine.
package compose

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apptainer/vessel/internal/pkg/alias"
	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/driver"
	"github.com/apptainer/vessel/internal/pkg/export"
	"github.com/apptainer/vessel/internal/pkg/files"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/internal/pkg/util/container"
	"github.com/apptainer/vessel/internal/pkg/util/fs"
	"github.com/apptainer/vessel/internal/pkg/util/osrelease"
	"github.com/apptainer/vessel/pkg/sylog"
)

// Config holds the settings for one composition run. Fields are set once
// and never mutated by Run.
type Config struct {
	// RuntimeSource is the base runtime image directory.
	RuntimeSource string
	// VarDir holds mutable runtime copies and per-instance staging.
	VarDir string
	// Provider supplies graphics and compute drivers.
	Provider *driver.Provider
	// Copy forces a private mutable copy even when not strictly needed.
	Copy bool
	// InterpreterRoot, when set, is a foreign-CPU emulation overlay root;
	// it forces a mutable copy.
	InterpreterRoot string

	ImportVulkanLayers bool
	SingleThread       bool

	// AliasManifest overrides the runtime's own SONAME alias manifest.
	AliasManifest string
}

// phase tracks composition progress. Phases only ever advance; an error
// at any phase aborts the whole composition and no partial ready state
// is exposed.
type phase int

const (
	phaseUninitialized phase = iota
	phaseLocatingRuntime
	phaseCopyingRuntime
	phaseBindingBase
	phaseResolvingProvider
	phaseBindingDrivers
	phaseReady
)

// Composer carries the working state of one composition run.
type Composer struct {
	config Config
	sink   bwrap.Sink

	id    string
	phase phase

	shape      runtimeShape
	runtimeDir string
	mutable    *MutableSysroot
	runtime    *sysroot.Sysroot

	overridesDir string
}

// New returns a composer for one run. A Composer must not be reused.
func New(config Config) *Composer {
	return &Composer{
		config: config,
		id:     uuid.New().String(),
	}
}

// InstanceID is the unique identifier of this composition run.
func (c *Composer) InstanceID() string {
	return c.id
}

// Mutable reports whether a private writable runtime copy is in use.
func (c *Composer) Mutable() bool {
	return c.mutable != nil
}

func (c *Composer) advance(next phase) error {
	if next != c.phase+1 {
		return fmt.Errorf("composition phase %d reached out of order (at %d)", next, c.phase)
	}
	c.phase = next
	return nil
}

// Run performs the whole composition, appending binds, symlinks, files
// and environment to sink. On error nothing is launched and any mutable
// copy created is unlocked for garbage collection.
func (c *Composer) Run(ctx context.Context, sink bwrap.Sink) (err error) {
	c.sink = sink

	if ct := container.Current(); ct != container.None {
		sylog.Warningf("Already running inside a %s container; nested sandboxing may be restricted", ct)
	}

	defer func() {
		if err != nil && c.mutable != nil {
			c.mutable.Close()
		}
		if c.runtime != nil {
			c.runtime.Close()
			c.runtime = nil
		}
	}()

	if err := c.locateRuntime(); err != nil {
		return errors.Wrap(err, "locating runtime")
	}
	if err := c.copyRuntime(); err != nil {
		return errors.Wrap(err, "copying runtime")
	}
	if err := c.bindBasePhase(); err != nil {
		return errors.Wrap(err, "binding base runtime")
	}
	if err := c.resolveProvider(); err != nil {
		return errors.Wrap(err, "resolving provider")
	}
	if err := c.bindDrivers(ctx); err != nil {
		return errors.Wrap(err, "importing drivers")
	}
	return c.advance(phaseReady)
}

func (c *Composer) locateRuntime() error {
	if err := c.advance(phaseLocatingRuntime); err != nil {
		return err
	}
	shape, err := detectShape(c.config.RuntimeSource)
	if err != nil {
		return err
	}
	c.shape = shape
	c.runtimeDir = c.config.RuntimeSource
	sylog.Debugf("Runtime %s has %s layout", c.runtimeDir, shape)
	return nil
}

// copyRuntime creates the private mutable copy when one is required:
// manifest-based images must be unpacked, and in-place edits (overridden
// library removal, interpreter overlays) need a writable tree.
func (c *Composer) copyRuntime() error {
	if err := c.advance(phaseCopyingRuntime); err != nil {
		return err
	}

	needed := c.shape == shapeManifest || c.config.Copy || c.config.InterpreterRoot != ""
	if !needed {
		sylog.Debugf("Using runtime %s read-only", c.runtimeDir)
		return nil
	}

	m, err := NewMutableSysroot(c.config.VarDir, c.runtimeDir, c.shape)
	if err != nil {
		return err
	}
	c.mutable = m
	c.runtimeDir = m.Dir
	c.shape = shapeSysroot
	sylog.Verbosef("Using mutable runtime copy %s", m.Dir)
	return nil
}

func (c *Composer) bindBasePhase() error {
	if err := c.advance(phaseBindingBase); err != nil {
		return err
	}

	// The sysroot must mirror the composed container's root. For a plain
	// sysroot the source directory already does; flatpak and bare
	// merged-usr images expose their payload as /usr (plus top-level
	// lib symlinks), so lookups are rooted at the merged-usr view.
	root := c.runtimeDir
	if c.shape != shapeSysroot {
		root = usrDir(c.runtimeDir, c.shape)
	}
	runtime, err := sysroot.Open(root)
	if err != nil {
		return err
	}
	c.runtime = runtime

	if release, err := osrelease.Read(runtime); err == nil {
		if name := release.PrettyName(); name != "" {
			sylog.Verbosef("Composing runtime: %s", name)
		}
	}

	if c.mutable != nil {
		c.overridesDir = filepath.Join(c.mutable.Dir, "overrides")
	} else {
		c.overridesDir = filepath.Join(c.config.VarDir, "instance-"+c.id)
	}
	if err := fs.EnsureDir(c.overridesDir, 0o755); err != nil {
		return err
	}

	if err := c.bindBase(); err != nil {
		return err
	}
	c.setupLdsoScaffolding()

	lookup := files.DefaultLookup()
	c.sink.AddDataFile(files.Passwd(c.runtime, lookup), "/etc/passwd")
	c.sink.AddDataFile(files.Group(c.runtime, lookup), "/etc/group")
	return nil
}

func (c *Composer) resolveProvider() error {
	if err := c.advance(phaseResolvingProvider); err != nil {
		return err
	}
	if c.config.Provider == nil {
		return fmt.Errorf("no graphics provider configured")
	}
	c.bindProvider()
	return nil
}

func (c *Composer) bindDrivers(ctx context.Context) error {
	if err := c.advance(phaseBindingDrivers); err != nil {
		return err
	}

	engine := &driver.Engine{
		Provider:           c.config.Provider,
		Runtime:            c.runtime,
		OverridesDir:       c.overridesDir,
		Mutable:            c.mutable != nil,
		ImportVulkanLayers: c.config.ImportVulkanLayers,
		SingleThread:       c.config.SingleThread,
	}
	result, err := engine.Run(ctx, c.sink)
	if err != nil {
		return err
	}

	if err := c.createAliases(result); err != nil {
		return err
	}

	// every overrides symlink target outside the known mounts must be
	// exposed or the symlink dangles inside the container
	host, err := sysroot.OpenDirect("/")
	if err != nil {
		return err
	}
	defer host.Close()
	planner := export.New(c.sink, host)
	if err := planner.ExportSymlinkTargets(c.overridesDir, "overrides"); err != nil {
		return err
	}
	if !c.config.ImportVulkanLayers {
		c.maskForeignVulkanLayers(planner)
	}

	c.sink.AddRoBind(c.overridesDir, buildcfg.OVERRIDES_DIR)
	return nil
}

// createAliases resolves the runtime's SONAME alias manifest against the
// overrides directory for every usable architecture.
func (c *Composer) createAliases(result *driver.Result) error {
	path := c.config.AliasManifest
	if path == "" {
		path = filepath.Join(usrDir(c.runtimeDir, c.shape), "share/vessel/aliases.toml")
	}
	if _, err := os.Stat(path); err != nil {
		sylog.Debugf("No alias manifest at %s", path)
		return nil
	}
	manifest, err := alias.LoadManifest(path)
	if err != nil {
		return err
	}

	resolver := &alias.Resolver{
		Runtime:      c.runtime,
		OverridesDir: c.overridesDir,
		Manifest:     manifest,
	}
	for _, arch := range result.Arches {
		if err := resolver.CreateAliases(arch); err != nil {
			return err
		}
	}
	return nil
}
