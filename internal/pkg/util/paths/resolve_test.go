// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package paths

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"gotest.tools/v3/assert"
)

func writeFakeELF(t *testing.T, path string, machine elf.Machine) {
	t.Helper()
	var buf [64]byte
	copy(buf[:], elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_DYN))
	binary.LittleEndian.PutUint16(buf[18:], uint16(machine))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint16(buf[52:], 64)

	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, buf[:], 0o755))
}

func TestSoLinks(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "libfoo.so.1.2.3")
	assert.NilError(t, os.WriteFile(real, []byte("x"), 0o755))
	assert.NilError(t, os.Symlink("libfoo.so.1.2.3", filepath.Join(dir, "libfoo.so.1")))
	assert.NilError(t, os.Symlink("libfoo.so.1", filepath.Join(dir, "libfoo.so")))
	// points elsewhere, must not be reported
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "libfoo.so.2"), []byte("y"), 0o755))

	links, err := SoLinks(real)
	assert.NilError(t, err)
	sort.Strings(links)
	assert.DeepEqual(t, links, []string{
		filepath.Join(dir, "libfoo.so"),
		filepath.Join(dir, "libfoo.so.1"),
	})
}

func TestSoLinksMissingLibrary(t *testing.T) {
	_, err := SoLinks(filepath.Join(t.TempDir(), "libmissing.so.1"))
	assert.ErrorContains(t, err, "not found")
}

func TestMachine(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib64.so")
	writeFakeELF(t, lib, elf.EM_X86_64)

	machine, err := Machine(lib)
	assert.NilError(t, err)
	assert.Equal(t, machine, elf.EM_X86_64)

	_, err = Machine(filepath.Join(dir, "missing.so"))
	assert.Assert(t, err != nil)
}

func TestResolveSonameWrongMachine(t *testing.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "libbar.so.1")
	writeFakeELF(t, lib, elf.EM_AARCH64)

	cache := map[string]string{"libbar.so.1": lib}
	assert.Equal(t, ResolveSoname("libbar.so.1", cache, elf.EM_X86_64), "")
	assert.Equal(t, ResolveSoname("libbar.so.1", cache, elf.EM_AARCH64), lib)
	assert.Equal(t, ResolveSoname("libmissing.so.1", cache, elf.EM_X86_64), "")
}
