// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli implements the vessel command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/pkg/sylog"
)

var (
	debug   bool
	verbose bool
	quiet   bool
	silent  bool
)

var rootCmd = &cobra.Command{
	Use:           buildcfg.PACKAGE_NAME,
	Short:         "Compose game-runtime containers with host drivers",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		setSylogLevel()
	},
}

func init() {
	addLoggingFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(composeCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(versionCmd)
}

func addLoggingFlags(flags *pflag.FlagSet) {
	flags.BoolVarP(&debug, "debug", "d", false, "print debugging information")
	flags.BoolVarP(&verbose, "verbose", "v", false, "print additional information")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress normal output")
	flags.BoolVarP(&silent, "silent", "s", false, "only print errors")
}

func setSylogLevel() {
	var level int
	switch {
	case debug:
		level = 5
	case verbose:
		level = 4
	case quiet:
		level = -1
	case silent:
		level = -3
	default:
		level = 1
	}
	sylog.SetLevel(level, false)
}

// Execute runs the vessel command line and exits the process on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		sylog.Errorf("%s", err)
		os.Exit(1)
	}
}
