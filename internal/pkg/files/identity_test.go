// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package files

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/internal/pkg/util/user"
	"gotest.tools/v3/assert"
)

type mockLookup struct {
	pw    *user.User
	grp   *user.Group
	pwErr error
	grErr error
}

func (m mockLookup) GetPwUID(uint32) (*user.User, error) {
	return m.pw, m.pwErr
}

func (m mockLookup) GetGrGID(uint32) (*user.Group, error) {
	return m.grp, m.grErr
}

func newSource(t *testing.T, passwd, group string) *sysroot.Sysroot {
	t.Helper()
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	if passwd != "" {
		assert.NilError(t, os.WriteFile(filepath.Join(root, "etc/passwd"), []byte(passwd), 0o644))
	}
	if group != "" {
		assert.NilError(t, os.WriteFile(filepath.Join(root, "etc/group"), []byte(group), 0o644))
	}
	s, err := sysroot.Open(root)
	assert.NilError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func currentIdentity() *user.User {
	return &user.User{
		Name:  "gfreeman",
		UID:   user.CurrentUID(),
		GID:   user.CurrentGID(),
		Gecos: "Gordon Freeman",
		Dir:   "/home/gfreeman",
		Shell: "/bin/zsh",
	}
}

func TestPasswdForcesBash(t *testing.T) {
	source := newSource(t, "root:x:0:0:root:/root:/bin/sh\n", "")
	content := string(Passwd(source, mockLookup{pw: currentIdentity()}))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, len(lines), 2)
	assert.Equal(t, lines[0], fmt.Sprintf("gfreeman:x:%d:%d:Gordon Freeman:/home/gfreeman:/bin/bash",
		user.CurrentUID(), user.CurrentGID()))
	assert.Equal(t, lines[1], "root:x:0:0:root:/root:/bin/sh")
}

func TestPasswdNeverDuplicatesUser(t *testing.T) {
	source := newSource(t,
		"root:x:0:0:root:/root:/bin/sh\n"+
			"gfreeman:x:1000:1000:Old Entry:/old/home:/bin/csh\n"+
			"games:x:5:60:games:/usr/games:/usr/sbin/nologin\n", "")
	content := string(Passwd(source, mockLookup{pw: currentIdentity()}))

	// count entries by line prefix: the home directory field also
	// contains the name, so a substring count would overmatch
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	count := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "gfreeman:") {
			count++
		}
	}
	assert.Equal(t, count, 1, "content:\n%s", content)
	assert.Assert(t, strings.HasSuffix(lines[0], ":/bin/bash"), "synthesized line %q", lines[0])

	// remaining lines preserved in order
	assert.Equal(t, lines[1], "root:x:0:0:root:/root:/bin/sh")
	assert.Equal(t, lines[2], "games:x:5:60:games:/usr/games:/usr/sbin/nologin")
}

func TestPasswdSanitizesFields(t *testing.T) {
	pw := currentIdentity()
	pw.Gecos = "evil:gecos\nfield"
	source := newSource(t, "", "")
	content := string(Passwd(source, mockLookup{pw: pw}))

	assert.Assert(t, strings.Contains(content, "evil_gecos_field"), "content:\n%s", content)
}

func TestPasswdLookupFailureStillSynthesizes(t *testing.T) {
	source := newSource(t, "root:x:0:0:root:/root:/bin/sh\n", "")
	content := string(Passwd(source, mockLookup{pwErr: fmt.Errorf("no such user")}))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, len(lines), 2)
	assert.Assert(t, strings.HasSuffix(lines[0], ":/bin/bash"), "first line %q", lines[0])
}

func TestPasswdUnreadableSourceNonFatal(t *testing.T) {
	source := newSource(t, "", "")
	content := string(Passwd(source, mockLookup{pw: currentIdentity()}))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, len(lines), 1)
	assert.Assert(t, strings.HasPrefix(lines[0], "gfreeman:x:"))
}

func TestGroup(t *testing.T) {
	source := newSource(t, "",
		"root:x:0:\n"+
			"scientists:x:1000:\n"+
			"audio:x:29:pulse\n")
	content := string(Group(source, mockLookup{grp: &user.Group{Name: "scientists", GID: user.CurrentGID()}}))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, lines[0], fmt.Sprintf("scientists:x:%d:", user.CurrentGID()))
	assert.Equal(t, strings.Count(content, "scientists:"), 1)
	assert.Equal(t, lines[1], "root:x:0:")
	assert.Equal(t, lines[2], "audio:x:29:pulse")
}

func TestGroupLookupFailure(t *testing.T) {
	source := newSource(t, "", "root:x:0:\n")
	content := string(Group(source, mockLookup{grErr: fmt.Errorf("no such group")}))

	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	assert.Equal(t, len(lines), 1)
	assert.Equal(t, lines[0], "root:x:0:")
}
