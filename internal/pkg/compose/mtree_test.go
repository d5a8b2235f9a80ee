// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package compose

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
	"gotest.tools/v3/assert"
)

func sha256Of(content string) string {
	return digest.FromBytes([]byte(content)).Encoded()
}

func TestUnpackManifest(t *testing.T) {
	sourceDir := t.TempDir()
	writeFile(t, filepath.Join(sourceDir, "bin/tool"), "hello")

	manifest := filepath.Join(t.TempDir(), "usr-mtree.txt")
	writeFile(t, manifest, fmt.Sprintf(`#mtree
/set type=file mode=644
./bin type=dir mode=755
./bin/tool mode=755 size=5 sha256digest=%s time=1700000000.0
./lib type=dir
./lib/libfoo.so type=link link=libfoo.so.1
`, sha256Of("hello")))

	destDir := filepath.Join(t.TempDir(), "usr")
	assert.NilError(t, unpackManifest(manifest, sourceDir, destDir))

	content, err := os.ReadFile(filepath.Join(destDir, "bin/tool"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "hello")
	info, err := os.Stat(filepath.Join(destDir, "bin/tool"))
	assert.NilError(t, err)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0o755))

	link, err := os.Readlink(filepath.Join(destDir, "lib/libfoo.so"))
	assert.NilError(t, err)
	assert.Equal(t, link, "libfoo.so.1")
}

func TestUnpackManifestGzip(t *testing.T) {
	sourceDir := t.TempDir()
	writeFile(t, filepath.Join(sourceDir, "data"), "payload")

	manifest := filepath.Join(t.TempDir(), "usr-mtree.txt.gz")
	f, err := os.Create(manifest)
	assert.NilError(t, err)
	gz := gzip.NewWriter(f)
	_, err = fmt.Fprintf(gz, "./data type=file size=7 sha256digest=%s\n", sha256Of("payload"))
	assert.NilError(t, err)
	assert.NilError(t, gz.Close())
	assert.NilError(t, f.Close())

	destDir := filepath.Join(t.TempDir(), "usr")
	assert.NilError(t, unpackManifest(manifest, sourceDir, destDir))

	content, err := os.ReadFile(filepath.Join(destDir, "data"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "payload")
}

func TestUnpackManifestDigestMismatch(t *testing.T) {
	sourceDir := t.TempDir()
	writeFile(t, filepath.Join(sourceDir, "data"), "tampered")

	manifest := filepath.Join(t.TempDir(), "usr-mtree.txt")
	writeFile(t, manifest, fmt.Sprintf("./data type=file size=8 sha256digest=%s\n", sha256Of("original")))

	err := unpackManifest(manifest, sourceDir, filepath.Join(t.TempDir(), "usr"))
	assert.ErrorContains(t, err, "does not match manifest digest")
}

func TestUnpackManifestSizeMismatch(t *testing.T) {
	sourceDir := t.TempDir()
	writeFile(t, filepath.Join(sourceDir, "data"), "truncated")

	manifest := filepath.Join(t.TempDir(), "usr-mtree.txt")
	writeFile(t, manifest, fmt.Sprintf("./data type=file size=100 sha256digest=%s\n", sha256Of("truncated")))

	err := unpackManifest(manifest, sourceDir, filepath.Join(t.TempDir(), "usr"))
	assert.ErrorContains(t, err, "does not match manifest size")
}

func TestUnpackManifestRejectsEscapingPath(t *testing.T) {
	manifest := filepath.Join(t.TempDir(), "usr-mtree.txt")
	writeFile(t, manifest, "./../evil type=dir\n")

	err := unpackManifest(manifest, t.TempDir(), filepath.Join(t.TempDir(), "usr"))
	assert.ErrorContains(t, err, "escapes the destination")
}

func TestNewMutableSysrootManifest(t *testing.T) {
	source := t.TempDir()
	writeFile(t, filepath.Join(source, "files/lib/libfoo.so.1"), "lib")
	writeFile(t, filepath.Join(source, "usr-mtree.txt"), fmt.Sprintf(`./lib type=dir
./lib/libfoo.so.1 type=file mode=644 size=3 sha256digest=%s
`, sha256Of("lib")))

	m, err := NewMutableSysroot(t.TempDir(), source, shapeManifest)
	assert.NilError(t, err)
	defer m.Close()

	content, err := os.ReadFile(filepath.Join(m.Dir, "usr/lib/libfoo.so.1"))
	assert.NilError(t, err)
	assert.Equal(t, string(content), "lib")
	link, err := os.Readlink(filepath.Join(m.Dir, "lib"))
	assert.NilError(t, err)
	assert.Equal(t, link, "usr/lib")
}