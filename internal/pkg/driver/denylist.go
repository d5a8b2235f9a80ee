// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Denylist names drivers that must not be captured. Kept as data rather
// than inline checks so new entries need no code change.
type Denylist struct {
	// VAAPI lists VA-API driver basenames to skip.
	VAAPI []string `toml:"vaapi"`
}

// DefaultDenylist returns the built-in denylist. The VDPAU-backed VA-API
// wrapper would drag the whole VDPAU dependency chain into every capture
// for no benefit: the real VDPAU driver is captured separately.
func DefaultDenylist() *Denylist {
	return &Denylist{
		VAAPI: []string{"vdpau_drv_video.so"},
	}
}

// LoadDenylist reads a TOML denylist file.
func LoadDenylist(path string) (*Denylist, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d := &Denylist{}
	if err := toml.Unmarshal(content, d); err != nil {
		return nil, fmt.Errorf("could not parse denylist %s: %w", path, err)
	}
	return d, nil
}

// MatchVAAPI reports whether a VA-API driver basename is denylisted.
func (d *Denylist) MatchVAAPI(base string) bool {
	for _, entry := range d.VAAPI {
		if entry == base {
			return true
		}
	}
	return false
}
