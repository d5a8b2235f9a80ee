// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package alias reconciles SONAME naming differences between the base
// runtime and the graphics provider. Distributions disagree about the
// canonical name of some libraries (libbz2.so.1 vs libbz2.so.1.0); alias
// symlinks let either name resolve to whichever copy won.
package alias

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/apptainer/vessel/internal/pkg/multiarch"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/pkg/sylog"
)

// Library is one entry of the runtime's ABI manifest.
type Library struct {
	// Soname is the name the runtime itself ships.
	Soname string `toml:"soname"`
	// Aliases are alternative SONAMEs other distributions use for what is
	// semantically the same library.
	Aliases []string `toml:"aliases"`
}

// Manifest lists the runtime's SONAMEs and their known aliases.
type Manifest struct {
	Libraries []Library `toml:"library"`
}

// LoadManifest reads a TOML ABI manifest.
func LoadManifest(path string) (*Manifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read alias manifest %s: %w", path, err)
	}
	var m Manifest
	if err := toml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("could not parse alias manifest %s: %w", path, err)
	}
	return &m, nil
}

// Resolver creates alias symlinks under the overrides staging directory.
type Resolver struct {
	// Runtime is the base runtime sysroot consulted for fallback copies.
	Runtime *sysroot.Sysroot
	// OverridesDir is the host-side staging directory that will be
	// mounted at /overrides in the container.
	OverridesDir string
	// Manifest is the runtime's ABI manifest.
	Manifest *Manifest
}

// CreateAliases creates, for each manifest entry, symlinks for the
// canonical SONAME and each alias, all pointing at the single resolved
// target: the override copy when one was captured, an alias-named override
// if the provider's canonical name differs, or the runtime's own copy.
func (r *Resolver) CreateAliases(arch *multiarch.Arch) error {
	libDir := filepath.Join(r.OverridesDir, "lib", arch.Tuple)
	aliasDir := filepath.Join(libDir, "aliases")

	for _, lib := range r.Manifest.Libraries {
		target, err := r.resolveTarget(lib, arch, libDir)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		if err := os.MkdirAll(aliasDir, 0o755); err != nil {
			return err
		}

		// canonical name plus every alias all point at the one target;
		// over-creation of a link the loader would have found anyway is
		// harmless
		names := append([]string{lib.Soname}, lib.Aliases...)
		for _, name := range names {
			link := filepath.Join(aliasDir, name)
			if err := os.Symlink(target, link); err != nil {
				if os.IsExist(err) {
					continue
				}
				return fmt.Errorf("could not create alias %s: %w", link, err)
			}
			sylog.Debugf("Alias %s/%s -> %s", arch.Tuple, name, target)
		}
	}
	return nil
}

// resolveTarget picks the file all of a library's alias names point at.
// The returned path is as resolvable inside the final container.
func (r *Resolver) resolveTarget(lib Library, arch *multiarch.Arch, libDir string) (string, error) {
	// captured override under the canonical name wins
	if _, err := os.Lstat(filepath.Join(libDir, lib.Soname)); err == nil {
		return filepath.Join("..", lib.Soname), nil
	}

	// some OSes disagree about which name is canonical: an override
	// captured under an alias name becomes the target instead
	for _, aliasName := range lib.Aliases {
		if _, err := os.Lstat(filepath.Join(libDir, aliasName)); err == nil {
			return filepath.Join("..", aliasName), nil
		}
	}

	// fall back to the runtime's own copy
	for _, dir := range []string{
		filepath.Join("usr/lib", arch.Tuple),
		filepath.Join("lib", arch.Tuple),
	} {
		canonical, err := r.Runtime.ResolvePath(
			filepath.Join(dir, lib.Soname), sysroot.ResolveReturnAbsolute)
		if err == nil {
			return canonical, nil
		}
		if !sysroot.IsNotFound(err) {
			return "", err
		}
	}

	if arch.Primary {
		return "", fmt.Errorf("runtime is missing %s for primary architecture %s",
			lib.Soname, arch.Tuple)
	}
	// secondary architectures are known to have incomplete coverage
	sylog.Debugf("Skipping alias %s: not present for %s", lib.Soname, arch.Tuple)
	return "", nil
}
