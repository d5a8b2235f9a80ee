// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package compose

import (
	"os"
	"path/filepath"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/export"
	"github.com/apptainer/vessel/internal/pkg/util/fs"
	"github.com/apptainer/vessel/pkg/sylog"
)

// etcDenylist names runtime /etc entries never copied into the
// container: identity and loader state is regenerated, not inherited.
var etcDenylist = map[string]struct{}{
	"machine-id":   {},
	"ld.so.cache":  {},
	"ld.so.conf":   {},
	"ld.so.conf.d": {},
	"passwd":       {},
	"group":        {},
}

// etcFromHost names /etc entries taken from the live host rather than
// the runtime, so the container shares the host's view of the network.
var etcFromHost = []string{"hosts", "resolv.conf", "host.conf"}

// bindBase mounts the runtime over the container's root paths.
func (c *Composer) bindBase() error {
	usr := usrDir(c.runtimeDir, c.shape)

	c.sink.AddRoBind(usr, "/usr")

	if c.shape == shapeSysroot {
		if err := c.bindSysrootTopLevel(); err != nil {
			return err
		}
	} else {
		for _, name := range []string{"bin", "sbin", "lib", "lib64", "lib32"} {
			if fs.IsDir(filepath.Join(usr, name)) {
				c.sink.AddSymlink(filepath.Join("usr", name), "/"+name)
			}
		}
	}

	for _, subtree := range []string{"etc", "var/cache", "var/lib"} {
		if err := c.bindAllowedSubtree(subtree); err != nil {
			return err
		}
	}

	for _, name := range etcFromHost {
		hostPath := filepath.Join("/etc", name)
		if fs.IsFile(hostPath) || fs.IsLink(hostPath) {
			c.sink.AddRoBind(hostPath, hostPath)
		}
	}
	return nil
}

// bindSysrootTopLevel reproduces a plain sysroot's top-level bin/lib*/
// sbin entries, keeping symlinks as symlinks.
func (c *Composer) bindSysrootTopLevel() error {
	for _, name := range []string{"bin", "sbin", "lib", "lib64", "lib32"} {
		path := filepath.Join(c.runtimeDir, name)
		info, err := os.Lstat(path)
		if err != nil {
			continue
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			c.sink.AddSymlink(target, "/"+name)
		case info.IsDir():
			c.sink.AddRoBind(path, "/"+name)
		}
	}
	return nil
}

// bindAllowedSubtree copies one mutable subtree (etc, var/cache, var/lib)
// file-by-file from the runtime, honoring the deny and from-host lists.
// Symlinks are recreated rather than bound so their targets resolve in
// the composed root.
func (c *Composer) bindAllowedSubtree(subtree string) error {
	var dir string
	if c.shape == shapeSysroot || c.mutable != nil {
		dir = filepath.Join(c.runtimeDir, subtree)
	} else {
		// merged-usr images keep their skeleton under usr/
		dir = filepath.Join(usrDir(c.runtimeDir, c.shape), subtree)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if subtree == "etc" {
			if _, denied := etcDenylist[name]; denied {
				continue
			}
			if containsName(etcFromHost, name) {
				continue
			}
		}

		src := filepath.Join(dir, name)
		dest := filepath.Join("/", subtree, name)
		if entry.Type()&os.ModeSymlink != 0 {
			target, err := os.Readlink(src)
			if err != nil {
				sylog.Warningf("Cannot read symlink %s: %v", src, err)
				continue
			}
			c.sink.AddSymlink(target, dest)
			continue
		}
		c.sink.AddRoBind(src, dest)
	}
	return nil
}

func containsName(list []string, name string) bool {
	for _, entry := range list {
		if entry == name {
			return true
		}
	}
	return false
}

// alternateLdCaches lists distro-specific ld.so cache locations glibc
// may consult instead of /etc/ld.so.cache.
var alternateLdCaches = []string{
	"/var/cache/ldconfig/ld.so.cache",
}

// setupLdsoScaffolding points every ld.so cache path at one private,
// regenerable location. The runtime's original cache is parked next to
// it as runtime-ld.so.cache so the container boots before regeneration;
// a helper run inside the container overwrites the symlink with a cache
// covering the overrides directories. The runtime's cache cannot be used
// directly: one cache must merge every architecture's overrides, and it
// can only be generated after composition is complete.
func (c *Composer) setupLdsoScaffolding() {
	ldsoDir := filepath.Join(buildcfg.RUN_DIR, "ldso")
	c.sink.AddTmpfs(buildcfg.RUN_DIR)
	c.sink.AddDir(ldsoDir)

	runtimeCache := filepath.Join(c.etcSource(), "ld.so.cache")
	if fs.IsFile(runtimeCache) {
		c.sink.AddRoBind(runtimeCache, filepath.Join(ldsoDir, "runtime-ld.so.cache"))
		c.sink.AddSymlink("runtime-ld.so.cache", filepath.Join(ldsoDir, "ld.so.cache"))
	}
	runtimeConf := filepath.Join(c.etcSource(), "ld.so.conf")
	if fs.IsFile(runtimeConf) {
		c.sink.AddRoBind(runtimeConf, filepath.Join(ldsoDir, "runtime-ld.so.conf"))
		c.sink.AddSymlink("runtime-ld.so.conf", filepath.Join(ldsoDir, "ld.so.conf"))
	}

	cachePath := filepath.Join(ldsoDir, "ld.so.cache")
	c.sink.AddSymlink(cachePath, "/etc/ld.so.cache")
	c.sink.AddSymlink(filepath.Join(ldsoDir, "ld.so.conf"), "/etc/ld.so.conf")
	for _, alternate := range alternateLdCaches {
		c.sink.AddSymlink(cachePath, alternate)
	}
}

// vulkanLayerSubdirs are the loader's layer-manifest directory names.
var vulkanLayerSubdirs = []string{"explicit_layer.d", "implicit_layer.d"}

// maskForeignVulkanLayers hides the Vulkan loader's layer search
// directories the runtime does not itself provide. Without the mask, a
// layer manifest from the surrounding system visible at one of these
// paths would be discovered inside the container even though its
// library was never captured.
func (c *Composer) maskForeignVulkanLayers(planner *export.Planner) {
	usr := usrDir(c.runtimeDir, c.shape)
	locations := []struct{ src, dest string }{
		{filepath.Join(c.etcSource(), "vulkan"), "/etc/vulkan"},
		{filepath.Join(usr, "local/etc/vulkan"), "/usr/local/etc/vulkan"},
		{filepath.Join(usr, "local/share/vulkan"), "/usr/local/share/vulkan"},
		{filepath.Join(usr, "share/vulkan"), "/usr/share/vulkan"},
	}
	for _, loc := range locations {
		for _, sub := range vulkanLayerSubdirs {
			if fs.IsDir(filepath.Join(loc.src, sub)) {
				continue
			}
			planner.Mask(filepath.Join(loc.dest, sub))
		}
	}
}

// etcSource is where the runtime's own /etc content lives for this
// shape.
func (c *Composer) etcSource() string {
	if c.shape == shapeSysroot || c.mutable != nil {
		return filepath.Join(c.runtimeDir, "etc")
	}
	return filepath.Join(usrDir(c.runtimeDir, c.shape), "etc")
}

// bindProvider exposes the graphics provider's tree at its in-container
// mount point so absolute provider paths stay resolvable.
func (c *Composer) bindProvider() {
	p := c.config.Provider
	if p.PathInContainer == "" {
		return
	}
	for _, name := range []string{"usr", "etc"} {
		src := p.InCurrentNS("/" + name)
		if !fs.IsDir(src) {
			continue
		}
		c.sink.AddRoBind(src, filepath.Join(p.PathInContainer, name))
	}
}
