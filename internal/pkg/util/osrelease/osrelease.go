// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package osrelease reads os-release(5) fields from a sysroot.
package osrelease

import (
	"strings"

	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/pkg/sylog"
)

// candidates in os-release(5) precedence order.
var candidates = []string{"/etc/os-release", "/usr/lib/os-release"}

// Fields holds the key/value pairs of an os-release file. The zero value
// reports empty strings for every key.
type Fields map[string]string

// Get returns the value for key, or the empty string if absent.
func (f Fields) Get(key string) string {
	return f[key]
}

// PrettyName returns a display name for the OS, preferring PRETTY_NAME and
// falling back to ID plus VERSION_ID.
func (f Fields) PrettyName() string {
	if name := f["PRETTY_NAME"]; name != "" {
		return name
	}
	return strings.TrimSpace(f["ID"] + " " + f["VERSION_ID"])
}

// Read loads the first os-release file found in root. A missing file is not
// an error; the returned Fields are simply empty.
func Read(root *sysroot.Sysroot) (Fields, error) {
	for _, path := range candidates {
		content, _, err := root.Load(path)
		if err != nil {
			continue
		}
		return Parse(string(content)), nil
	}
	return Fields{}, nil
}

// Parse extracts fields from os-release content. Malformed lines are
// skipped. When a key occurs more than once the first value wins; the
// duplicate is expected in some distributions and only noted at debug
// level.
func Parse(content string) Fields {
	fields := make(Fields)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		if _, seen := fields[key]; seen {
			sylog.Debugf("Duplicate os-release field %s ignored", key)
			continue
		}
		fields[key] = unquote(value)
	}
	return fields
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	return v
}
