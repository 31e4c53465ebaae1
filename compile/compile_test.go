package compile

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeCompiler returns canned results.
type fakeCompiler struct {
	refl *Reflection
	err  error
	got  string
	eol  bool
}

func (f *fakeCompiler) Compile(_ context.Context, wgsl string) (*Reflection, error) {
	f.got = wgsl
	return f.refl, f.err
}

func (f *fakeCompiler) NextLineAtEOL() bool { return f.eol }

func TestPipelineSuccess(t *testing.T) {
	fc := &fakeCompiler{refl: &Reflection{
		EntryPoints: []EntryPoint{
			{Name: "simulate", Stage: StageCompute, Workgroup: [3]uint32{64, 1, 1}},
			{Name: "main_image", Stage: StageCompute, Workgroup: [3]uint32{16, 16, 1}},
			{Name: "vs", Stage: StageVertex},
		},
	}}
	p := NewPipeline(fc)
	p.SetUniforms([]string{"speed"})

	src := "#workgroup_count simulate 8 1 1\n#dispatch_count simulate 2\n#storage cells array<u32>\nfn f() {}"
	mod, err := p.Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !strings.Contains(fc.got, "speed: f32") {
		t.Error("prelude with custom uniforms was not passed to the compiler")
	}
	eps := mod.ComputeEntryPoints()
	if len(eps) != 2 {
		t.Fatalf("compute entry points = %d, want 2", len(eps))
	}
	if eps[0].Dispatch == nil || *eps[0].Dispatch != [3]uint32{8, 1, 1} || eps[0].Repeat != 2 {
		t.Errorf("simulate = %+v", eps[0])
	}
	if eps[1].Dispatch != nil || eps[1].Repeat != 1 {
		t.Errorf("main_image = %+v", eps[1])
	}
	if _, ok := mod.Bindings["cells"]; !ok {
		t.Error("bindings should include #storage declarations")
	}
	if !p.LastError().Success {
		t.Error("LastError should report success")
	}
}

func TestPipelineFailureKeepsPosition(t *testing.T) {
	prelude := Prelude(nil)
	preludeLines := strings.Count(prelude, "\n") + 1

	// The compiler reports a row in expanded text; the pipeline maps it back.
	row := preludeLines + 2
	fc := &fakeCompiler{err: errors.New(itoa(row) + ":4: unknown identifier"), eol: true}
	p := NewPipeline(fc)

	src := "fn a() {}\nfn main() { x; }\n"
	_, err := p.Compile(context.Background(), src)
	if !errors.Is(err, ErrCompile) {
		t.Fatalf("err = %v, want ErrCompile", err)
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *Error", err)
	}
	want := ParseError{Summary: "unknown identifier", Position: Position{2, 4}, End: Position{2, 4}}
	if ce.ParseError != want {
		t.Errorf("ParseError = %+v, want %+v", ce.ParseError, want)
	}
	if p.LastError() != want {
		t.Errorf("LastError = %+v", p.LastError())
	}

	// A later success replaces the error wholesale.
	fc.err = nil
	fc.refl = &Reflection{EntryPoints: []EntryPoint{{Name: "main", Stage: StageCompute}}}
	if _, err := p.Compile(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if got := p.LastError(); got != Succeeded() {
		t.Errorf("LastError after success = %+v", got)
	}
}

func TestPipelineDirectiveError(t *testing.T) {
	p := NewPipeline(&fakeCompiler{})
	_, err := p.Compile(context.Background(), "fn a() {}\n#bogus")
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v", err)
	}
	if ce.ParseError.Position.Row != 2 || ce.ParseError.Summary != "unknown directive #bogus" {
		t.Errorf("ParseError = %+v", ce.ParseError)
	}
}

func TestPipelineNoEntryPoints(t *testing.T) {
	p := NewPipeline(&fakeCompiler{refl: &Reflection{}})
	_, err := p.Compile(context.Background(), "const a = 1;")
	var ce *Error
	if !errors.As(err, &ce) || !ce.ParseError.WholeDocument {
		t.Fatalf("err = %v, want whole-document error", err)
	}
}

func TestPipelineCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPipeline(&fakeCompiler{}).Compile(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLayoutSize(t *testing.T) {
	l := Layout{Fixed: 16, Stride: 8}
	if got := l.Size(4); got != 48 {
		t.Errorf("Size(4) = %d, want 48", got)
	}
}

func itoa(n int) string {
	var b [20]byte
	i := len(b)
	for {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	return string(b[i:])
}

func TestPipelineKeepsSuffixedSiblings(t *testing.T) {
	fc := &fakeCompiler{refl: &Reflection{
		EntryPoints: []EntryPoint{{Name: "main", Stage: StageCompute, Workgroup: [3]uint32{8, 8, 1}}},
	}}
	src := "@group(1) @binding(0) var<storage, read_write> layer_1: array<f32, 64>;\n" +
		"@group(1) @binding(1) var<storage, read_write> layer_2: array<f32, 64>;\n" +
		"@compute @workgroup_size(8, 8, 1)\nfn main() {}\n"
	mod, err := NewPipeline(fc).Compile(context.Background(), src)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	slots := make(map[uint32]string)
	for _, b := range mod.Bindings {
		if b.Group == 1 {
			slots[b.Binding] = b.Ident
		}
	}
	if slots[0] != "layer_1" || slots[1] != "layer_2" {
		t.Errorf("group 1 slots = %v, want both declarations", slots)
	}
}
