// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package bwrap

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestArgsOrdering(t *testing.T) {
	b := New()
	b.AddRoBind("/usr", "/usr")
	b.AddSymlink("usr/bin", "/bin")
	b.AddTmpfs("/tmp")
	b.SetEnv("LD_LIBRARY_PATH", "/overrides/lib")
	b.UnsetEnv("VK_LAYER_PATH")

	assert.DeepEqual(t, b.Args(), []string{
		"--ro-bind", "/usr", "/usr",
		"--symlink", "usr/bin", "/bin",
		"--tmpfs", "/tmp",
		"--setenv", "LD_LIBRARY_PATH", "/overrides/lib",
		"--unsetenv", "VK_LAYER_PATH",
	})
}

func TestSetEnvLastWriteWins(t *testing.T) {
	b := New()
	b.SetEnv("PATH", "/usr/bin")
	b.SetEnv("PATH", "/usr/local/bin:/usr/bin")

	args := b.Args()
	assert.DeepEqual(t, args, []string{"--setenv", "PATH", "/usr/local/bin:/usr/bin"})

	b.UnsetEnv("PATH")
	assert.DeepEqual(t, b.Args(), []string{"--unsetenv", "PATH"})
}

func TestDataFiles(t *testing.T) {
	b := New()
	b.AddDataFile([]byte("root:x:0:0::/root:/bin/bash\n"), "/etc/passwd")
	b.AddDataFile([]byte("root:x:0:\n"), "/etc/group")

	files := b.DataFiles()
	assert.Assert(t, is.Len(files, 2))
	assert.Equal(t, files[0].Fd, firstDataFd)
	assert.Equal(t, files[1].Fd, firstDataFd+1)
	assert.Equal(t, files[0].Dest, "/etc/passwd")

	assert.DeepEqual(t, b.Args(), []string{
		"--ro-bind-data", "10", "/etc/passwd",
		"--ro-bind-data", "11", "/etc/group",
	})
}

func TestHasBind(t *testing.T) {
	b := New()
	b.AddRoBind("/usr", "/usr")
	b.AddTmpfs("/tmp")
	b.AddSymlink("usr/lib", "/lib")

	assert.Assert(t, b.HasBind("/usr"))
	assert.Assert(t, b.HasBind("/tmp"))
	assert.Assert(t, b.HasBind("/lib"))
	assert.Assert(t, !b.HasBind("/etc"))
	// source paths are not destinations
	assert.Assert(t, !b.HasBind("usr/lib"))
}
