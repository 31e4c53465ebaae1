package compile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// DirectiveError reports a malformed preprocessor directive.
type DirectiveError struct {
	Line int
	Msg  string
}

func (e *DirectiveError) Error() string {
	return fmt.Sprintf("%d:1: %s", e.Line, e.Msg)
}

// Preprocessed is WGSL ready for the compiler plus the directive metadata
// collected from the user source.
type Preprocessed struct {
	// Source is the prelude followed by the expanded user source.
	Source string

	// LineMap maps each 1-based line of Source to its user source line,
	// zero for prelude lines.
	LineMap []int

	// WorkgroupCounts holds explicit dispatch sizes by entry point.
	WorkgroupCounts map[string][3]uint32

	// DispatchCounts holds how many times an entry point runs per frame.
	DispatchCounts map[string]uint32
}

var (
	groupFirstRe = regexp.MustCompile(`^(\s*)@group\(\s*(\d+)\s*\)\s*@binding\(\s*(\d+)\s*\)`)
	annotOnlyRe  = regexp.MustCompile(`^\s*(@binding\(\s*\d+\s*\)\s*@group\(\s*\d+\s*\)|@group\(\s*\d+\s*\)\s*@binding\(\s*\d+\s*\))\s*$`)
	slotRe       = regexp.MustCompile(`@binding\(\s*(\d+)\s*\)\s*@group\(\s*0\s*\)|@group\(\s*0\s*\)\s*@binding\(\s*(\d+)\s*\)`)
	identRe      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Preprocess expands directives in source and prepends prelude.
//
// Supported directives, one per line:
//
//	#define NAME VALUE             whole-word substitution in later lines
//	#storage NAME TYPE             read_write storage buffer in group 0
//	#workgroup_count ENTRY X Y Z   fixed dispatch size for ENTRY
//	#dispatch_count ENTRY N        run ENTRY N times per frame
//
// Binding annotations written as @group(M) @binding(N) are normalized to
// @binding(N) @group(M), and an annotation on a line of its own is joined
// with the declaration that follows it.
func Preprocess(source, prelude string) (*Preprocessed, error) {
	lines := strings.Split(source, "\n")
	out := &Preprocessed{
		WorkgroupCounts: make(map[string][3]uint32),
		DispatchCounts:  make(map[string]uint32),
	}

	nextSlot := maxGroupZeroSlot(prelude+"\n"+source) + 1

	type define struct {
		re    *regexp.Regexp
		value string
	}
	var defines []define

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "#") {
			fields := strings.Fields(trimmed)
			n := i + 1
			switch fields[0] {
			case "#define":
				if len(fields) < 2 || !identRe.MatchString(fields[1]) {
					return nil, &DirectiveError{Line: n, Msg: "#define expects NAME [VALUE]"}
				}
				value := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(trimmed[len("#define"):]), fields[1]))
				defines = append(defines, define{
					re:    regexp.MustCompile(`\b` + regexp.QuoteMeta(fields[1]) + `\b`),
					value: value,
				})
				lines[i] = ""
			case "#storage":
				if len(fields) < 3 || !identRe.MatchString(fields[1]) {
					return nil, &DirectiveError{Line: n, Msg: "#storage expects NAME TYPE"}
				}
				typ := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(trimmed[len("#storage"):]), fields[1]))
				typ = strings.TrimSuffix(typ, ";")
				for _, d := range defines {
					typ = d.re.ReplaceAllLiteralString(typ, d.value)
				}
				lines[i] = fmt.Sprintf("@binding(%d) @group(0) var<storage, read_write> %s: %s;", nextSlot, fields[1], typ)
				nextSlot++
				continue
			case "#workgroup_count":
				if len(fields) != 5 {
					return nil, &DirectiveError{Line: n, Msg: "#workgroup_count expects ENTRY X Y Z"}
				}
				var dims [3]uint32
				for k := 0; k < 3; k++ {
					v, err := strconv.ParseUint(fields[2+k], 10, 32)
					if err != nil || v == 0 {
						return nil, &DirectiveError{Line: n, Msg: fmt.Sprintf("#workgroup_count: bad dimension %q", fields[2+k])}
					}
					dims[k] = uint32(v)
				}
				out.WorkgroupCounts[fields[1]] = dims
				lines[i] = ""
			case "#dispatch_count":
				if len(fields) != 3 {
					return nil, &DirectiveError{Line: n, Msg: "#dispatch_count expects ENTRY N"}
				}
				v, err := strconv.ParseUint(fields[2], 10, 32)
				if err != nil || v == 0 {
					return nil, &DirectiveError{Line: n, Msg: fmt.Sprintf("#dispatch_count: bad count %q", fields[2])}
				}
				out.DispatchCounts[fields[1]] = uint32(v)
				lines[i] = ""
			default:
				return nil, &DirectiveError{Line: n, Msg: "unknown directive " + fields[0]}
			}
			continue
		}

		if annotOnlyRe.MatchString(line) && i+1 < len(lines) &&
			strings.HasPrefix(strings.TrimSpace(lines[i+1]), "var") {
			line = strings.TrimRight(line, " \t") + " " + strings.TrimSpace(lines[i+1])
			lines[i+1] = ""
		}
		for _, d := range defines {
			line = d.re.ReplaceAllLiteralString(line, d.value)
		}
		line = groupFirstRe.ReplaceAllString(line, "${1}@binding(${3}) @group(${2})")
		lines[i] = line
	}

	preludeLines := 0
	if prelude != "" {
		preludeLines = strings.Count(prelude, "\n") + 1
	}
	out.LineMap = make([]int, preludeLines+len(lines))
	for i := range lines {
		out.LineMap[preludeLines+i] = i + 1
	}

	if prelude != "" {
		out.Source = prelude + "\n" + strings.Join(lines, "\n")
	} else {
		out.Source = strings.Join(lines, "\n")
	}
	return out, nil
}

// maxGroupZeroSlot returns the highest binding slot used in group 0, or -1.
func maxGroupZeroSlot(src string) int {
	highest := -1
	for _, m := range slotRe.FindAllStringSubmatch(src, -1) {
		s := m[1]
		if s == "" {
			s = m[2]
		}
		if v, err := strconv.Atoi(s); err == nil && v > highest {
			highest = v
		}
	}
	return highest
}
