// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package icd models JSON-manifest-based driver records: EGL ICDs and
// external platforms, Vulkan ICDs and layers, and OpenXR runtimes. The
// manifest JSON is kept opaque; only the library path field is extracted
// and, when a library is captured under a new container path, rewritten.
package icd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/opencontainers/go-digest"
)

// Class is the driver class a record belongs to.
type Class int

const (
	ClassEGL Class = iota
	ClassEGLExternalPlatform
	ClassVulkanICD
	ClassVulkanExplicitLayer
	ClassVulkanImplicitLayer
	ClassOpenXR
)

func (c Class) String() string {
	switch c {
	case ClassEGL:
		return "EGL ICD"
	case ClassEGLExternalPlatform:
		return "EGL external platform"
	case ClassVulkanICD:
		return "Vulkan ICD"
	case ClassVulkanExplicitLayer:
		return "Vulkan explicit layer"
	case ClassVulkanImplicitLayer:
		return "Vulkan implicit layer"
	case ClassOpenXR:
		return "OpenXR runtime"
	}
	return "unknown driver class"
}

// jsonKeys returns the path of the library_path field within the manifest
// for this class.
func (c Class) jsonKeys() []string {
	switch c {
	case ClassVulkanExplicitLayer, ClassVulkanImplicitLayer:
		return []string{"layer", "library_path"}
	case ClassOpenXR:
		return []string{"runtime", "library_path"}
	default:
		return []string{"ICD", "library_path"}
	}
}

// Classification describes how one record's library was located for one
// architecture.
type Classification int

const (
	// ClassificationPending means the architecture has not been processed.
	ClassificationPending Classification = iota
	// ClassificationNonexistent means no file was found for this
	// architecture.
	ClassificationNonexistent
	// ClassificationAbsolute means the library was captured by absolute
	// path and the manifest must be rewritten.
	ClassificationAbsolute
	// ClassificationSoname means the library is referenced by bare SONAME
	// and the loader will find it through the regenerated cache.
	ClassificationSoname
	// ClassificationMetaLayer means the record declares no library at all
	// (a Vulkan meta-layer built from component layers).
	ClassificationMetaLayer
)

func (c Classification) String() string {
	switch c {
	case ClassificationNonexistent:
		return "nonexistent"
	case ClassificationAbsolute:
		return "absolute"
	case ClassificationSoname:
		return "soname"
	case ClassificationMetaLayer:
		return "meta-layer"
	}
	return "pending"
}

// ArchState is the per-architecture working state of a record.
type ArchState struct {
	Classification Classification
	// ResolvedPath is the absolute library path in the provider's
	// namespace, once resolved.
	ResolvedPath string
	// ContainerPath is the library path as it will appear inside the
	// container once captured.
	ContainerPath string
}

// Record is one parsed driver manifest.
type Record struct {
	Class Class
	// JSONPath is the manifest path in the provider's namespace.
	JSONPath string
	// LibraryPath is the declared library reference: an absolute path, a
	// bare SONAME, or empty for meta-layers.
	LibraryPath string
	// Extra marks records discovered through nonstandard search paths.
	Extra bool

	content []byte
	err     error
	perArch map[string]*ArchState
}

// Load reads and parses a manifest file.
func Load(class Class, path string) (*Record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s manifest %s: %w", class, path, err)
	}
	return Parse(class, path, content)
}

// Parse parses manifest content that has already been read.
func Parse(class Class, path string, content []byte) (*Record, error) {
	r := &Record{
		Class:    class,
		JSONPath: path,
		content:  content,
		perArch:  make(map[string]*ArchState),
	}

	libraryPath, err := jsonparser.GetString(content, class.jsonKeys()...)
	switch {
	case err == nil:
		r.LibraryPath = libraryPath
	case errors.Is(err, jsonparser.KeyPathNotFoundError):
		// meta-layers have component_layers instead of a library
		if class == ClassVulkanExplicitLayer || class == ClassVulkanImplicitLayer {
			if _, _, _, cerr := jsonparser.Get(content, "layer", "component_layers"); cerr == nil {
				return r, nil
			}
		}
		r.err = fmt.Errorf("manifest %s has no %s", path, strings.Join(class.jsonKeys(), "."))
	default:
		r.err = fmt.Errorf("manifest %s is not valid JSON: %w", path, err)
	}
	return r, nil
}

// Issues returns the record's parse/validity error, if any.
func (r *Record) Issues() error {
	return r.err
}

// IsMetaLayer reports whether the record declares no library at all.
func (r *Record) IsMetaLayer() bool {
	return r.err == nil && r.LibraryPath == ""
}

// Content returns the raw manifest bytes.
func (r *Record) Content() []byte {
	return r.content
}

// Digest returns the content digest of the manifest, used to deduplicate
// byte-identical manifests shared between architectures.
func (r *Record) Digest() digest.Digest {
	return digest.FromBytes(r.content)
}

// Arch returns the working state for the given architecture tuple,
// creating it on first use.
func (r *Record) Arch(tuple string) *ArchState {
	st, ok := r.perArch[tuple]
	if !ok {
		st = &ArchState{}
		r.perArch[tuple] = st
	}
	return st
}

// HasDynamicTokens reports whether a declared library path contains
// dynamic-linker string tokens, which only the dynamic loader itself can
// expand.
func HasDynamicTokens(libraryPath string) bool {
	for _, token := range []string{"$ORIGIN", "${ORIGIN}", "$LIB", "${LIB}", "$PLATFORM", "${PLATFORM}"} {
		if strings.Contains(libraryPath, token) {
			return true
		}
	}
	return false
}

// WriteReplacement writes a copy of the manifest to path with the library
// path field rewritten to newLibraryPath, creating parent directories as
// needed.
func (r *Record) WriteReplacement(path, newLibraryPath string) error {
	if r.err != nil {
		return fmt.Errorf("cannot rewrite invalid manifest %s: %w", r.JSONPath, r.err)
	}

	rewritten, err := jsonparser.Set(r.content,
		[]byte(strconv.Quote(newLibraryPath)), r.Class.jsonKeys()...)
	if err != nil {
		return fmt.Errorf("could not rewrite %s: %w", r.JSONPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, rewritten, 0o644)
}

// WriteVerbatim writes the unmodified manifest content to path, used for
// SONAME records whose manifest needs no rewriting.
func (r *Record) WriteVerbatim(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, r.content, 0o644)
}
