// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apptainer/vessel/internal/pkg/buildcfg"
	"github.com/apptainer/vessel/internal/pkg/bwrap"
	"github.com/apptainer/vessel/internal/pkg/compose"
	"github.com/apptainer/vessel/internal/pkg/driver"
	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/pkg/sylog"
)

var (
	composeVarDir        string
	composeProviderPath  string
	composeProviderMount string
	composeCopy          bool
	composeInterpreter   string
	composeVulkanLayers  bool
	composeSingleThread  bool
	composeAliasManifest string
)

var composeCmd = &cobra.Command{
	Use:   "compose <runtime-dir> [-- command...]",
	Short: "Compose a container from a runtime image and the host's drivers",
	Long: `Compose builds the bubblewrap invocation that runs a game runtime with
the host's graphics and compute drivers imported. The computed argument
list and environment are printed; vessel itself never mounts anything.`,
	Args: cobra.MinimumNArgs(1),
	RunE: composeRun,
}

func init() {
	flags := composeCmd.Flags()
	flags.StringVar(&composeVarDir, "var-dir", "", "directory for mutable runtime copies (default <runtime>/../var)")
	flags.StringVar(&composeProviderPath, "provider", "/", "sysroot supplying graphics drivers")
	flags.StringVar(&composeProviderMount, "provider-mount", buildcfg.HOST_MOUNT, "where the provider appears in the container")
	flags.BoolVar(&composeCopy, "copy-runtime", false, "always work on a private copy of the runtime")
	flags.StringVar(&composeInterpreter, "interpreter-root", "", "foreign-CPU emulation overlay root")
	flags.BoolVar(&composeVulkanLayers, "vulkan-layers", false, "also import Vulkan explicit and implicit layers")
	flags.BoolVar(&composeSingleThread, "single-thread", false, "disable per-architecture worker goroutines")
	flags.StringVar(&composeAliasManifest, "alias-manifest", "", "SONAME alias manifest (default from the runtime)")
}

func composeRun(cmd *cobra.Command, args []string) error {
	runtimeDir, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	varDir := composeVarDir
	if varDir == "" {
		varDir = filepath.Join(filepath.Dir(runtimeDir), buildcfg.VAR_DIR)
	}

	provider, err := openProvider()
	if err != nil {
		return err
	}
	defer provider.Root.Close()

	c := compose.New(compose.Config{
		RuntimeSource:      runtimeDir,
		VarDir:             varDir,
		Provider:           provider,
		Copy:               composeCopy,
		InterpreterRoot:    composeInterpreter,
		ImportVulkanLayers: composeVulkanLayers,
		SingleThread:       composeSingleThread,
		AliasManifest:      composeAliasManifest,
	})

	b := bwrap.New()
	if err := c.Run(cmd.Context(), b); err != nil {
		return err
	}
	sylog.Verbosef("Composition %s ready", c.InstanceID())

	printPlan(b, args[1:])
	return nil
}

func openProvider() (*driver.Provider, error) {
	path := filepath.Clean(composeProviderPath)

	var root *sysroot.Sysroot
	var err error
	if path == "/" {
		root, err = sysroot.OpenDirect("/")
	} else {
		root, err = sysroot.Open(path)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open provider %s: %w", path, err)
	}
	// The provider is exposed in the container even when it is the live
	// root, so captured symlinks always have a stable mount to point at.
	return &driver.Provider{
		Root:            root,
		PathInContainer: composeProviderMount,
		PathInCurrentNS: path,
	}, nil
}

// printPlan writes the bwrap argv, one argument per line, followed by the
// environment overlay. Data files are emitted as here-doc style blocks on
// the configured fds.
func printPlan(b *bwrap.Bwrap, command []string) {
	out := os.Stdout

	fmt.Fprintln(out, "bwrap \\")
	args := b.Args()
	for i, arg := range args {
		sep := " \\"
		if i == len(args)-1 && len(command) == 0 {
			sep = ""
		}
		fmt.Fprintf(out, "  %s%s\n", shellQuote(arg), sep)
	}
	for i, arg := range command {
		sep := " \\"
		if i == len(command)-1 {
			sep = ""
		}
		fmt.Fprintf(out, "  %s%s\n", shellQuote(arg), sep)
	}

	env := b.Env()
	for _, name := range b.SortedEnvNames() {
		if value := env[name]; value != nil {
			fmt.Fprintf(out, "# setenv %s=%s\n", name, *value)
		} else {
			fmt.Fprintf(out, "# unsetenv %s\n", name)
		}
	}
	for _, df := range b.DataFiles() {
		fmt.Fprintf(out, "# fd %d -> %s (%d bytes)\n", df.Fd, df.Dest, len(df.Content))
	}
}

func shellQuote(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\$") {
		return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return arg
}
