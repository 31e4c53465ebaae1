// Package binding recovers resource binding declarations from WGSL text.
//
// Parsing is line based and tolerant: only lines that start with a
// @binding(N) @group(M) annotation are considered, and a line that looks
// like a declaration but cannot be fully parsed is skipped. The package
// has no device state and every function is pure.
package binding

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gogpu/shaderlab/internal/logging"
)

// ResourceBinding describes one declared shader resource.
type ResourceBinding struct {
	// Name is the logical name with any disambiguating suffix removed.
	Name string

	// Ident is the identifier exactly as declared.
	Ident string

	Group   uint32
	Binding uint32

	// Properties is the var<...> list verbatim, e.g. "storage, read_write".
	// Empty for handle types (textures, samplers).
	Properties string

	// Type is the top-level type token, e.g. "array" or "texture_2d".
	Type string

	// TypeArgs holds the top-level type arguments, e.g. ["f32", "256"].
	TypeArgs []string

	// Declaration is the raw source line, kept for diagnostics.
	Declaration string

	// Line is the 1-based line number of the declaration.
	Line int
}

var annotationRe = regexp.MustCompile(`^@binding\(\s*(\d+)\s*\)\s*@group\(\s*(\d+)\s*\)\s*(.*)$`)

// suffixRe matches the _N suffix appended to identifiers by the compiler's
// namer. At least one non-underscore character must precede it.
var suffixRe = regexp.MustCompile(`^(.*[^_])_\d+$`)

// Parse extracts all binding declarations from source, keyed by logical name.
// When a logical name is declared more than once the last declaration wins.
func Parse(source string) map[string]ResourceBinding {
	list := ParseList(source)
	out := make(map[string]ResourceBinding, len(list))
	for _, b := range list {
		if prev, ok := out[b.Name]; ok {
			logging.For("binding").Debug("duplicate binding",
				"name", b.Name, "line", b.Line, "previousLine", prev.Line)
		}
		out[b.Name] = b
	}
	return out
}

// Resolve keys list by logical name like Parse, except that declarations
// whose distinct identifiers strip to the same logical name keep their
// full identifiers as names. Every distinct identifier in list therefore
// gets its own entry. A repeated identifier still resolves to its last
// declaration.
func Resolve(list []ResourceBinding) map[string]ResourceBinding {
	names := make([]string, len(list))
	for i, b := range list {
		names[i] = b.Name
	}
	// Falling back to an identifier can collide with another stripped
	// name, so repeat until no name is shared by different identifiers.
	for range len(list) + 1 {
		owners := make(map[string]map[string]bool, len(list))
		for i, b := range list {
			if owners[names[i]] == nil {
				owners[names[i]] = make(map[string]bool)
			}
			owners[names[i]][b.Ident] = true
		}
		changed := false
		for i, b := range list {
			if len(owners[names[i]]) > 1 && names[i] != b.Ident {
				names[i] = b.Ident
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	out := make(map[string]ResourceBinding, len(list))
	for i, b := range list {
		if b.Name != names[i] {
			logging.For("binding").Debug("ambiguous logical name, keeping identifier",
				"name", b.Name, "ident", b.Ident)
		}
		b.Name = names[i]
		if prev, ok := out[b.Name]; ok {
			logging.For("binding").Debug("duplicate binding",
				"name", b.Name, "line", b.Line, "previousLine", prev.Line)
		}
		out[b.Name] = b
	}
	return out
}

// ParseList returns every binding declaration in source order, duplicates
// included.
func ParseList(source string) []ResourceBinding {
	var out []ResourceBinding
	for i, line := range strings.Split(source, "\n") {
		b, ok := ParseLine(line)
		if !ok {
			continue
		}
		b.Line = i + 1
		out = append(out, b)
	}
	return out
}

// Duplicates reports logical names declared more than once, sorted.
func Duplicates(source string) []string {
	seen := make(map[string]int)
	for _, b := range ParseList(source) {
		seen[b.Name]++
	}
	var dups []string
	for name, n := range seen {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}

// ParseLine parses a single declaration line. It reports false for lines
// that do not start with a binding annotation or are malformed.
func ParseLine(line string) (ResourceBinding, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "@binding") {
		return ResourceBinding{}, false
	}
	m := annotationRe.FindStringSubmatch(trimmed)
	if m == nil {
		return ResourceBinding{}, false
	}
	slot, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return ResourceBinding{}, false
	}
	group, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return ResourceBinding{}, false
	}

	decl := stripComment(m[3])
	rest, ok := strings.CutPrefix(decl, "var")
	if !ok || rest == "" || (rest[0] != '<' && rest[0] != ' ' && rest[0] != '\t') {
		return ResourceBinding{}, false
	}
	decl = strings.TrimSpace(rest)

	var props string
	if strings.HasPrefix(decl, "<") {
		end := strings.IndexByte(decl, '>')
		if end < 0 {
			return ResourceBinding{}, false
		}
		props = strings.TrimSpace(decl[1:end])
		decl = strings.TrimSpace(decl[end+1:])
	}

	colon := strings.IndexByte(decl, ':')
	if colon <= 0 {
		return ResourceBinding{}, false
	}
	ident := strings.TrimSpace(decl[:colon])
	if !isIdent(ident) {
		return ResourceBinding{}, false
	}

	typ := strings.TrimSpace(decl[colon+1:])
	typ = strings.TrimSpace(strings.TrimSuffix(typ, ";"))
	token, args, ok := splitType(typ)
	if !ok {
		return ResourceBinding{}, false
	}

	return ResourceBinding{
		Name:        LogicalName(ident),
		Ident:       ident,
		Group:       uint32(group),
		Binding:     uint32(slot),
		Properties:  props,
		Type:        token,
		TypeArgs:    args,
		Declaration: line,
	}, true
}

// LogicalName strips a trailing _N suffix from a declared identifier.
func LogicalName(ident string) string {
	if m := suffixRe.FindStringSubmatch(ident); m != nil {
		return m[1]
	}
	return ident
}

// ParseTypeArguments splits a type argument list on top-level commas.
// Commas nested inside angle brackets are kept with their fragment.
func ParseTypeArguments(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var (
		out   []string
		depth int
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" {
		out = append(out, last)
	}
	return out
}

// splitType separates "array<f32, 4>" into "array" and its arguments.
func splitType(typ string) (string, []string, bool) {
	open := strings.IndexByte(typ, '<')
	if open < 0 {
		if !isIdent(typ) {
			return "", nil, false
		}
		return typ, nil, true
	}
	closing := strings.LastIndexByte(typ, '>')
	if closing < open {
		return "", nil, false
	}
	token := strings.TrimSpace(typ[:open])
	if !isIdent(token) {
		return "", nil, false
	}
	return token, ParseTypeArguments(typ[open+1 : closing]), true
}

func stripComment(s string) string {
	if i := strings.Index(s, "//"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// Sorted returns the bindings ordered by group, then binding slot.
func Sorted(m map[string]ResourceBinding) []ResourceBinding {
	out := make([]ResourceBinding, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group < out[j].Group
		}
		if out[i].Binding != out[j].Binding {
			return out[i].Binding < out[j].Binding
		}
		return out[i].Name < out[j].Name
	})
	return out
}
