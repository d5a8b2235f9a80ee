// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package multiarch describes the CPU architectures a composed container can
// support, keyed by Debian-style multiarch tuples.
package multiarch

import "debug/elf"

// Arch describes one CPU architecture for which driver libraries may be
// discovered and captured.
type Arch struct {
	// Tuple is the Debian-style multiarch tuple, e.g. "x86_64-linux-gnu".
	Tuple string
	// Machine is the ELF machine number of libraries for this architecture.
	Machine elf.Machine
	// Bits is the ELF class word size, 32 or 64.
	Bits int
	// LdSo is the canonical dynamic linker path for this architecture.
	LdSo string
	// LibDirSuffixes lists library directory patterns, tried in order, used
	// when walking up from a resolved library path to find its install
	// prefix. The tuple form is tried first.
	LibDirSuffixes []string
	// Primary marks the architecture whose libraries must always be
	// resolvable; missing coverage on non-primary architectures is
	// tolerated.
	Primary bool
}

var (
	// X8664 is the primary architecture.
	X8664 = &Arch{
		Tuple:          "x86_64-linux-gnu",
		Machine:        elf.EM_X86_64,
		Bits:           64,
		LdSo:           "/lib64/ld-linux-x86-64.so.2",
		LibDirSuffixes: []string{"lib/x86_64-linux-gnu", "lib64", "lib"},
		Primary:        true,
	}

	// I386 covers 32-bit x86, including games that ship only i386 builds.
	I386 = &Arch{
		Tuple:          "i386-linux-gnu",
		Machine:        elf.EM_386,
		Bits:           32,
		LdSo:           "/lib/ld-linux.so.2",
		LibDirSuffixes: []string{"lib/i386-linux-gnu", "lib32", "lib"},
	}

	// Aarch64 is used when composing for arm64 hosts or interpreter roots.
	Aarch64 = &Arch{
		Tuple:          "aarch64-linux-gnu",
		Machine:        elf.EM_AARCH64,
		Bits:           64,
		LdSo:           "/lib/ld-linux-aarch64.so.1",
		LibDirSuffixes: []string{"lib/aarch64-linux-gnu", "lib64", "lib"},
	}
)

// Supported returns the architectures considered for composition, primary
// first. The order is significant: it is the order in which architectures
// are probed and the order of search-path construction.
func Supported() []*Arch {
	return []*Arch{X8664, I386}
}

// Primary returns the primary architecture.
func Primary() *Arch {
	return X8664
}

// ByTuple returns the known architecture with the given multiarch tuple, or
// nil if the tuple is not recognized.
func ByTuple(tuple string) *Arch {
	for _, a := range []*Arch{X8664, I386, Aarch64} {
		if a.Tuple == tuple {
			return a
		}
	}
	return nil
}
