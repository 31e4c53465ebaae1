package compile

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Position is a 1-based source location.
type Position struct {
	Row int
	Col int
}

// ParseError is the editor-facing result of a compile attempt. It is
// replaced wholesale on every attempt.
type ParseError struct {
	Summary  string
	Position Position

	// End is the exclusive end of the error span. It equals Position
	// except when WholeDocument is set.
	End Position

	// WholeDocument marks diagnostics without a usable position.
	WholeDocument bool

	Success bool
}

// Error implements error.
func (e ParseError) Error() string {
	if e.Success {
		return "compile: ok"
	}
	if e.WholeDocument {
		return "compile: " + e.Summary
	}
	return fmt.Sprintf("compile: %d:%d: %s", e.Position.Row, e.Position.Col, e.Summary)
}

// Succeeded returns the ParseError value reported after a clean compile.
func Succeeded() ParseError { return ParseError{Success: true} }

// DiagnosticOptions control how compiler messages map to source positions.
type DiagnosticOptions struct {
	// NextLineAtEOL moves a column that lands past the end of its line to
	// the start of the following line. Some compilers report the position
	// after a line's last token this way.
	NextLineAtEOL bool

	// LineMap translates 1-based rows of the compiled text to rows of the
	// user source. A zero entry marks generated lines.
	LineMap []int
}

var (
	rowColRe   = regexp.MustCompile(`(\d+):(\d+):\s*(.*)`)
	lineColumn = regexp.MustCompile(`line (\d+), column (\d+):\s*(.*)`)
)

// MapDiagnostic converts a compiler message into a ParseError positioned in
// source. Messages without an embedded position span the whole document.
func MapDiagnostic(msg, source string, opts DiagnosticOptions) ParseError {
	row, col, summary, ok := findPosition(msg)
	if !ok {
		return wholeDocument(strings.TrimSpace(msg), source)
	}

	if opts.LineMap != nil {
		if row >= 1 && row <= len(opts.LineMap) {
			row = opts.LineMap[row-1]
		}
		if row == 0 {
			// Generated code: report at the top of the user source.
			return ParseError{
				Summary:  "in built-in declarations: " + summary,
				Position: Position{Row: 1, Col: 1},
				End:      Position{Row: 1, Col: 1},
			}
		}
	}

	lines := strings.Split(source, "\n")
	row = clamp(row, 1, len(lines))
	lineLen := utf8.RuneCountInString(lines[row-1])
	if opts.NextLineAtEOL && col > lineLen && row < len(lines) {
		row++
		col = 1
		lineLen = utf8.RuneCountInString(lines[row-1])
	}
	col = clamp(col, 1, lineLen+1)

	pos := Position{Row: row, Col: col}
	return ParseError{Summary: summary, Position: pos, End: pos}
}

func findPosition(msg string) (row, col int, summary string, ok bool) {
	for _, re := range []*regexp.Regexp{rowColRe, lineColumn} {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		r, err1 := strconv.Atoi(m[1])
		c, err2 := strconv.Atoi(m[2])
		if err1 != nil || err2 != nil {
			continue
		}
		return r, c, strings.TrimSpace(m[3]), true
	}
	return 0, 0, "", false
}

func wholeDocument(summary, source string) ParseError {
	lines := strings.Split(source, "\n")
	last := len(lines)
	return ParseError{
		Summary:       summary,
		Position:      Position{Row: 1, Col: 1},
		End:           Position{Row: last, Col: utf8.RuneCountInString(lines[last-1]) + 1},
		WholeDocument: true,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
