// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package driver

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/apptainer/vessel/internal/pkg/multiarch"
)

// execLdSo checks that the provider's dynamic linker for this
// architecture can actually run on the current host. Running a 32-bit
// linker on a kernel without compat support, or a foreign-architecture
// one, fails with ENOEXEC; a successful exec with any exit status means
// the architecture works.
func (e *Engine) execLdSo(ctx context.Context, arch *multiarch.Arch) error {
	ldso := e.Provider.InCurrentNS(arch.LdSo)
	cmd := exec.CommandContext(ctx, ldso, "--verify", ldso)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// --verify exits nonzero for non-objects; it still executed
		return nil
	}
	return fmt.Errorf("cannot execute %s: %w", ldso, err)
}
