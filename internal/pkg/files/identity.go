// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package files synthesizes /etc/passwd and /etc/group content for the
// container, blending the current user's identity with the base runtime's
// existing entries.
package files

import (
	"fmt"
	"os"
	"strings"

	"github.com/apptainer/vessel/internal/pkg/sysroot"
	"github.com/apptainer/vessel/internal/pkg/util/user"
	"github.com/apptainer/vessel/pkg/sylog"
)

// UserGroupLookup resolves ids to identities. The default implementation
// queries the OS; tests inject mocks.
type UserGroupLookup interface {
	GetPwUID(uint32) (*user.User, error)
	GetGrGID(uint32) (*user.Group, error)
}

type osLookup struct{}

func (osLookup) GetPwUID(uid uint32) (*user.User, error)  { return user.GetPwUID(uid) }
func (osLookup) GetGrGID(gid uint32) (*user.Group, error) { return user.GetGrGID(gid) }

// DefaultLookup returns the lookup backed by the real OS identity queries.
func DefaultLookup() UserGroupLookup {
	return osLookup{}
}

// sanitizeField makes a value safe for passwd(5)/group(5) syntax by
// replacing ':' and newlines with '_'. One warning per field, not per
// character.
func sanitizeField(field string) string {
	if !strings.ContainsAny(field, ":\n") {
		return field
	}
	sylog.Warningf("Field %q cannot be represented in passwd(5)/group(5)", field)
	field = strings.ReplaceAll(field, ":", "_")
	return strings.ReplaceAll(field, "\n", "_")
}

// appendRemainingLines appends all lines of the given file from source to
// buf, skipping any line whose name prefix duplicates the entry already in
// buf. A source read failure is non-fatal.
func appendRemainingLines(buf *strings.Builder, source *sysroot.Sysroot, path string) {
	var excludePrefix string
	if buf.Len() != 0 {
		first := buf.String()
		if idx := strings.Index(first, ":"); idx >= 0 {
			excludePrefix = first[:idx+1]
		}
	}

	content, _, err := source.Load(path)
	if err != nil {
		sylog.Warningf("Unable to read %s from runtime: %v", path, err)
		return
	}

	for n, line := range strings.Split(string(content), "\n") {
		if excludePrefix != "" && strings.HasPrefix(line, excludePrefix) {
			sylog.Debugf("Skipping %s:%d %q because it is our user/group", path, n, excludePrefix)
			continue
		}
		if line == "" {
			continue
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
}

// Passwd returns contents for an /etc/passwd that has at least the current
// user, with the shell forced to /bin/bash so that the login shell is
// guaranteed to exist in the container.
func Passwd(source *sysroot.Sysroot, lookup UserGroupLookup) []byte {
	if lookup == nil {
		lookup = DefaultLookup()
	}

	uid := user.CurrentUID()
	gid := user.CurrentGID()

	pw, err := lookup.GetPwUID(uid)
	if err != nil {
		sylog.Warningf("Unable to resolve uid %d: %v", uid, err)
		name := os.Getenv("USER")
		if name == "" {
			name = "user"
		}
		home := os.Getenv("HOME")
		if home == "" {
			home = "/home/" + name
		}
		pw = &user.User{Name: name, UID: uid, GID: gid, Gecos: name, Dir: home}
	}

	gecos := pw.Gecos
	if gecos == "" {
		gecos = pw.Name
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s:x:%d:%d:%s:%s:/bin/bash\n",
		sanitizeField(pw.Name), pw.UID, pw.GID,
		sanitizeField(gecos), sanitizeField(pw.Dir))

	appendRemainingLines(&buf, source, "/etc/passwd")
	return []byte(buf.String())
}

// Group returns contents for an /etc/group that has at least the current
// user's primary group.
func Group(source *sysroot.Sysroot, lookup UserGroupLookup) []byte {
	if lookup == nil {
		lookup = DefaultLookup()
	}

	gid := user.CurrentGID()

	var buf strings.Builder
	gr, err := lookup.GetGrGID(gid)
	if err != nil {
		sylog.Warningf("Unable to resolve gid %d: %v", gid, err)
	} else {
		fmt.Fprintf(&buf, "%s:x:%d:\n", sanitizeField(gr.Name), gr.GID)
	}

	appendRemainingLines(&buf, source, "/etc/group")
	return []byte(buf.String())
}
