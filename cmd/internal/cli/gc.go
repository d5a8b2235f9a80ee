// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/apptainer/vessel/internal/pkg/compose"
)

var gcCmd = &cobra.Command{
	Use:   "gc <var-dir>",
	Short: "Delete stale mutable runtime copies",
	Long: `Gc removes tmp-* runtime copies under the variable directory that no
running composition holds a lock on. Copies with a keep marker are never
deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		varDir, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		return compose.GarbageCollect(varDir)
	},
}
