package resolver

import (
	"strconv"
	"strings"
)

// Demangler converts a raw (linker-mangled) symbol name into its
// display form. The core treats demangling as this external,
// pluggable function (spec §9): plug in whatever scheme fits the
// target platform. DefaultDemangler below handles the common
// GCC/Clang Itanium C++ ABI "_Z..." mangling; anything it doesn't
// recognize (including plain C symbols) passes through unchanged.
type Demangler func(raw string) string

// DefaultDemangler demangles Itanium-mangled ("_Z"-prefixed) names on
// a best-effort basis, covering the common case of a nested name
// (namespaces/classes) optionally followed by a parameter list. It
// deliberately does not implement the full Itanium ABI grammar
// (templates, substitutions, cv-qualifiers) -- the same scoped-down
// spirit as spec.md's "no symbol stripping heuristics" non-goal; names
// it cannot parse are returned unchanged, matching a demangler
// library's behavior on an unrecognized input.
func DefaultDemangler(raw string) string {
	if !strings.HasPrefix(raw, "_Z") {
		return raw
	}

	rest := raw[2:]
	parts, rest, ok := parseNestedName(rest)
	if !ok {
		return raw
	}

	name := strings.Join(parts, "::")

	args := parseParamList(rest)
	return name + "(" + strings.Join(args, ", ") + ")"
}

// parseNestedName parses either a single <length><name> component or
// an "N...E" nested sequence of them, returning the component parts in
// order and whatever input remains.
func parseNestedName(s string) ([]string, string, bool) {
	if strings.HasPrefix(s, "N") {
		s = s[1:]
		var parts []string
		for len(s) > 0 && s[0] != 'E' {
			part, remainder, ok := parseLengthPrefixed(s)
			if !ok {
				return nil, "", false
			}
			parts = append(parts, part)
			s = remainder
		}
		if !strings.HasPrefix(s, "E") {
			return nil, "", false
		}
		return parts, s[1:], true
	}

	part, remainder, ok := parseLengthPrefixed(s)
	if !ok {
		return nil, "", false
	}
	return []string{part}, remainder, true
}

func parseLengthPrefixed(s string) (string, string, bool) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "", "", false
	}
	n, err := strconv.Atoi(s[:i])
	if err != nil || i+n > len(s) {
		return "", "", false
	}
	return s[i : i+n], s[i+n:], true
}

var builtinTypeCodes = map[byte]string{
	'v': "void",
	'b': "bool",
	'c': "char",
	'i': "int",
	'j': "unsigned int",
	'l': "long",
	'm': "unsigned long",
	'x': "long long",
	'y': "unsigned long long",
	'f': "float",
	'd': "double",
}

// parseParamList decodes a trailing builtin-type parameter list into
// display names, one entry per recognized type code. Anything it
// doesn't recognize is dropped rather than failing the whole
// demangle -- the enclosing name is still useful even if the
// signature isn't fully resolved.
func parseParamList(s string) []string {
	if s == "v" || s == "" {
		return nil
	}
	var args []string
	for i := 0; i < len(s); i++ {
		if name, ok := builtinTypeCodes[s[i]]; ok {
			args = append(args, name)
		}
	}
	return args
}
