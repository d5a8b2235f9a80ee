// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package user wraps passwd/group lookups behind types that can be mocked
// during unit tests.
package user

import (
	"fmt"
	"os"
	osuser "os/user"
	"strconv"
)

// User describes a passwd(5) entry.
type User struct {
	Name  string
	UID   uint32
	GID   uint32
	Gecos string
	Dir   string
	Shell string
}

// Group describes a group(5) entry.
type Group struct {
	Name string
	GID  uint32
}

// GetPwUID returns the User corresponding to uid.
func GetPwUID(uid uint32) (*User, error) {
	u, err := osuser.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return nil, fmt.Errorf("could not look up uid %d: %w", uid, err)
	}

	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("could not parse gid %q for uid %d: %w", u.Gid, uid, err)
	}

	return &User{
		Name:  u.Username,
		UID:   uid,
		GID:   uint32(gid),
		Gecos: u.Name,
		Dir:   u.HomeDir,
		Shell: os.Getenv("SHELL"),
	}, nil
}

// GetGrGID returns the Group corresponding to gid.
func GetGrGID(gid uint32) (*Group, error) {
	g, err := osuser.LookupGroupId(strconv.FormatUint(uint64(gid), 10))
	if err != nil {
		return nil, fmt.Errorf("could not look up gid %d: %w", gid, err)
	}
	return &Group{Name: g.Name, GID: gid}, nil
}

// CurrentUID returns the current effective uid.
func CurrentUID() uint32 {
	return uint32(os.Getuid())
}

// CurrentGID returns the current effective primary gid.
func CurrentGID() uint32 {
	return uint32(os.Getgid())
}
