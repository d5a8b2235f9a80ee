// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package compose

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/apptainer/vessel/internal/pkg/util/fs"
	"github.com/apptainer/vessel/pkg/sylog"
)

// findManifest returns the path of the runtime's file-list manifest, or
// the empty string when the runtime ships none.
func findManifest(source string) string {
	for _, name := range manifestNames {
		path := filepath.Join(source, name)
		if fs.IsFile(path) {
			return path
		}
	}
	return ""
}

// mtreeDefaults carries the keyword values set by /set lines.
type mtreeDefaults struct {
	kind    string
	mode    os.FileMode
	hasMode bool
}

func (d *mtreeDefaults) set(fields []string) error {
	for _, kv := range fields {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "type":
			d.kind = value
		case "mode":
			mode, err := parseOctalMode(value)
			if err != nil {
				return err
			}
			d.mode = mode
			d.hasMode = true
		default:
			sylog.Debugf("Ignoring /set keyword %s", key)
		}
	}
	return nil
}

// mtreeEntry is one manifest line ready to apply.
type mtreeEntry struct {
	path    string
	kind    string
	mode    os.FileMode
	hasMode bool
	size    int64
	hasSize bool
	digest  digest.Digest
	link    string
}

// unpackManifest builds destDir from the mtree(5)-style manifest at
// manifestPath, taking file content from sourceDir. Every file's size and
// SHA-256 digest are verified against the manifest, so a truncated or
// tampered payload fails the unpack instead of producing a silently
// broken runtime copy. Entry kinds other than file, dir and link are
// rejected.
func unpackManifest(manifestPath, sourceDir, destDir string) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(manifestPath, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "could not decompress %s", manifestPath)
		}
		defer gz.Close()
		reader = gz
	}

	if err := fs.EnsureDir(destDir, 0o755); err != nil {
		return err
	}

	defaults := mtreeDefaults{kind: "file"}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "/set":
			if err := defaults.set(fields[1:]); err != nil {
				return errors.Wrapf(err, "%s:%d", manifestPath, line)
			}
			continue
		case "/unset":
			continue
		}

		entry, err := parseMtreeEntry(fields, defaults)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", manifestPath, line)
		}
		if err := applyMtreeEntry(entry, sourceDir, destDir); err != nil {
			return errors.Wrapf(err, "%s:%d", manifestPath, line)
		}
	}
	return scanner.Err()
}

func parseMtreeEntry(fields []string, defaults mtreeDefaults) (mtreeEntry, error) {
	entry := mtreeEntry{
		kind:    defaults.kind,
		mode:    defaults.mode,
		hasMode: defaults.hasMode,
	}

	name, err := unescapeVis(fields[0])
	if err != nil {
		return entry, err
	}
	entry.path = filepath.Clean(strings.TrimPrefix(name, "./"))
	if entry.path == ".." || strings.HasPrefix(entry.path, "../") {
		return entry, fmt.Errorf("entry %q escapes the destination", name)
	}

	for _, kv := range fields[1:] {
		key, value, _ := strings.Cut(kv, "=")
		switch key {
		case "type":
			entry.kind = value
		case "mode":
			mode, err := parseOctalMode(value)
			if err != nil {
				return entry, err
			}
			entry.mode = mode
			entry.hasMode = true
		case "size":
			size, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return entry, fmt.Errorf("invalid size %q", value)
			}
			entry.size = size
			entry.hasSize = true
		case "sha256digest", "sha256":
			entry.digest = digest.NewDigestFromEncoded(digest.SHA256, value)
		case "link":
			target, err := unescapeVis(value)
			if err != nil {
				return entry, err
			}
			entry.link = target
		case "time", "uid", "gid", "uname", "gname", "nlink":
			// ownership and timestamps are not reproduced in a fresh copy
		default:
			return entry, fmt.Errorf("unsupported mtree keyword %q", key)
		}
	}
	return entry, nil
}

func applyMtreeEntry(entry mtreeEntry, sourceDir, destDir string) error {
	if entry.path == "." {
		return nil
	}
	dest := filepath.Join(destDir, entry.path)

	switch entry.kind {
	case "dir":
		mode := os.FileMode(0o755)
		if entry.hasMode {
			mode = entry.mode
		}
		return os.MkdirAll(dest, mode)
	case "link":
		if entry.link == "" {
			return fmt.Errorf("link entry %s has no target", entry.path)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		return os.Symlink(entry.link, dest)
	case "file":
		return copyVerified(filepath.Join(sourceDir, entry.path), dest, entry)
	default:
		return fmt.Errorf("unsupported entry type %q for %s", entry.kind, entry.path)
	}
}

// copyVerified copies src to dest while hashing, then checks the result
// against the manifest entry.
func copyVerified(src, dest string, entry mtreeEntry) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	mode := os.FileMode(0o644)
	if entry.hasMode {
		mode = entry.mode
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	digester := digest.SHA256.Digester()
	written, err := io.Copy(io.MultiWriter(out, digester.Hash()), in)
	if err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if entry.hasSize && written != entry.size {
		return fmt.Errorf("%s: size %d does not match manifest size %d", entry.path, written, entry.size)
	}
	if entry.digest != "" && digester.Digest() != entry.digest {
		return fmt.Errorf("%s: digest %s does not match manifest digest %s",
			entry.path, digester.Digest(), entry.digest)
	}
	return nil
}

func parseOctalMode(value string) (os.FileMode, error) {
	mode, err := strconv.ParseUint(value, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", value)
	}
	return os.FileMode(mode) & os.ModePerm, nil
}

// unescapeVis decodes the backslash-octal escapes mtree applies to names
// containing whitespace or non-printable bytes.
func unescapeVis(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 < len(s) && s[i+1] == '\\' {
			b.WriteByte('\\')
			i++
			continue
		}
		if i+3 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		return "", fmt.Errorf("invalid escape in %q", s)
	}
	return b.String(), nil
}
