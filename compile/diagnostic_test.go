package compile

import (
	"strings"
	"testing"
)

// twelveLines has a long line 12 and a short line 3.
var twelveLines = strings.Join([]string{
	"struct A { x: f32 }",
	"",
	"fn a() {",
	"}",
	"", "", "", "", "", "", "",
	"@compute @workgroup_size(8) fn main() {}",
	"// trailing",
}, "\n")

func TestMapDiagnostic(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		opts DiagnosticOptions
		want ParseError
	}{
		{
			name: "embedded row col",
			msg:  "shader.wgsl ERR:12:5:unexpected token",
			want: ParseError{Summary: "unexpected token", Position: Position{12, 5}, End: Position{12, 5}},
		},
		{
			name: "naga source error",
			msg:  "12:9: unknown identifier 'foo'",
			want: ParseError{Summary: "unknown identifier 'foo'", Position: Position{12, 9}, End: Position{12, 9}},
		},
		{
			name: "naga parser error",
			msg:  "parse error: line 3, column 2: expected '}'",
			want: ParseError{Summary: "expected '}'", Position: Position{3, 2}, End: Position{3, 2}},
		},
		{
			name: "row clamped",
			msg:  "99:1: eof",
			want: ParseError{Summary: "eof", Position: Position{13, 1}, End: Position{13, 1}},
		},
		{
			name: "column clamped without quirk",
			msg:  "3:40: long",
			want: ParseError{Summary: "long", Position: Position{3, 9}, End: Position{3, 9}},
		},
		{
			name: "column past end moves to next line",
			msg:  "3:9: missing",
			opts: DiagnosticOptions{NextLineAtEOL: true},
			want: ParseError{Summary: "missing", Position: Position{4, 1}, End: Position{4, 1}},
		},
		{
			name: "column inside line is kept with quirk",
			msg:  "3:8: inside",
			opts: DiagnosticOptions{NextLineAtEOL: true},
			want: ParseError{Summary: "inside", Position: Position{3, 8}, End: Position{3, 8}},
		},
		{
			name: "line map translates rows",
			msg:  "4:2: bad",
			opts: DiagnosticOptions{LineMap: []int{0, 0, 0, 1, 2, 3}},
			want: ParseError{Summary: "bad", Position: Position{1, 2}, End: Position{1, 2}},
		},
		{
			name: "generated line",
			msg:  "2:2: bad prelude",
			opts: DiagnosticOptions{LineMap: []int{0, 0, 1}},
			want: ParseError{Summary: "in built-in declarations: bad prelude", Position: Position{1, 1}, End: Position{1, 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapDiagnostic(tt.msg, twelveLines, tt.opts)
			if got != tt.want {
				t.Errorf("MapDiagnostic(%q)\n got  %+v\n want %+v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestMapDiagnosticWholeDocument(t *testing.T) {
	got := MapDiagnostic("entry point 'main' not found", twelveLines, DiagnosticOptions{})
	if !got.WholeDocument || got.Success {
		t.Fatalf("got %+v, want whole-document failure", got)
	}
	if got.Position != (Position{1, 1}) || got.End != (Position{13, 12}) {
		t.Errorf("span = %v..%v, want 1:1..13:12", got.Position, got.End)
	}
	if got.Summary != "entry point 'main' not found" {
		t.Errorf("Summary = %q", got.Summary)
	}
}

func TestParseErrorError(t *testing.T) {
	if s := Succeeded().Error(); s != "compile: ok" {
		t.Errorf("Succeeded().Error() = %q", s)
	}
	e := ParseError{Summary: "x", Position: Position{2, 3}}
	if s := e.Error(); s != "compile: 2:3: x" {
		t.Errorf("Error() = %q", s)
	}
}
