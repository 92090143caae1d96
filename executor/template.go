package executor

import "strings"

// Replacements maps template names to their expanded values. Command
// templates reference them as %name%; an unreferenced entry is harmless and
// an unmapped token passes through unchanged so it remains visible in the
// stored task arguments.
//
// Package-level names: SIPDirectory, SIPUUID, SIPName, relativeLocation.
// Per-file names: fileUUID, fileName, fileExtension, inputFile.
// Prefixed names: config:<option>, var:<variable>.
type Replacements map[string]string

// Expand replaces every %name% token with its mapped value.
func (r Replacements) Expand(s string) string {
	for name, value := range r {
		s = strings.ReplaceAll(s, "%"+name+"%", value)
	}
	return s
}

// ExpandArgs expands each argument, returning a new slice.
func (r Replacements) ExpandArgs(args []string) []string {
	if args == nil {
		return nil
	}
	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = r.Expand(a)
	}
	return expanded
}

// With returns a copy of r with extra entries added. Used to layer per-file
// names over a package-level mapping without mutating the shared copy.
func (r Replacements) With(extra Replacements) Replacements {
	merged := make(Replacements, len(r)+len(extra))
	for k, v := range r {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
