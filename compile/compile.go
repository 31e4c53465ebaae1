// Package compile turns user WGSL into a dispatchable module description
// and maps compiler diagnostics back onto the user's source.
package compile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"

	"github.com/gogpu/shaderlab/binding"
	"github.com/gogpu/shaderlab/internal/logging"
)

// ErrCompile is wrapped by every compile failure.
var ErrCompile = errors.New("compile: shader failed to compile")

// Stage is the pipeline stage of an entry point.
type Stage uint8

const (
	StageCompute Stage = iota
	StageVertex
	StageFragment
	StageOther
)

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StageCompute:
		return "compute"
	case StageVertex:
		return "vertex"
	case StageFragment:
		return "fragment"
	default:
		return "other"
	}
}

// EntryPoint describes one dispatchable shader function.
type EntryPoint struct {
	Name      string
	Stage     Stage
	Workgroup [3]uint32

	// Dispatch is the explicit workgroup count from #workgroup_count.
	// Nil means the count is derived from the screen size.
	Dispatch *[3]uint32

	// Repeat is how many times the entry point runs per frame, at least 1.
	Repeat uint32
}

// Slot addresses a binding inside a bind group.
type Slot struct {
	Group   uint32
	Binding uint32
}

// Layout is the memory layout of a bound buffer. Buffers ending in a
// runtime-sized array have a non-zero Stride.
type Layout struct {
	Fixed  uint64
	Stride uint64
}

// Size returns the byte size of the buffer holding n runtime elements.
func (l Layout) Size(n uint64) uint64 {
	return l.Fixed + l.Stride*n
}

// Reflection is what a Compiler reports about a valid shader.
type Reflection struct {
	EntryPoints []EntryPoint
	Layouts     map[Slot]Layout
}

// Compiler validates WGSL and reflects its entry points.
type Compiler interface {
	Compile(ctx context.Context, wgsl string) (*Reflection, error)
}

// eolQuirk is implemented by compilers that report end-of-line positions
// one column past the line's last character.
type eolQuirk interface {
	NextLineAtEOL() bool
}

// Module is a successfully compiled shader.
type Module struct {
	// WGSL is the expanded source handed to the device.
	WGSL string

	EntryPoints []EntryPoint
	Layouts     map[Slot]Layout

	// Bindings are extracted from WGSL, keyed by logical name.
	Bindings map[string]binding.ResourceBinding
}

// ComputeEntryPoints returns the compute entry points in declaration order.
func (m *Module) ComputeEntryPoints() []EntryPoint {
	var out []EntryPoint
	for _, ep := range m.EntryPoints {
		if ep.Stage == StageCompute {
			out = append(out, ep)
		}
	}
	return out
}

// Error is returned by Pipeline.Compile on failure.
type Error struct {
	ParseError ParseError
	Cause      error
}

func (e *Error) Error() string { return e.ParseError.Error() }

// Unwrap exposes ErrCompile and the compiler's own error.
func (e *Error) Unwrap() []error { return []error{ErrCompile, e.Cause} }

// Pipeline runs preprocess, compile and binding extraction, and remembers
// the last diagnostic for the editor.
//
// Pipeline is safe for concurrent use.
type Pipeline struct {
	compiler Compiler
	opts     DiagnosticOptions

	mu       sync.Mutex
	last     ParseError
	uniforms []string
}

// NewPipeline creates a pipeline around compiler.
func NewPipeline(compiler Compiler) *Pipeline {
	p := &Pipeline{compiler: compiler, last: Succeeded()}
	if q, ok := compiler.(eolQuirk); ok {
		p.opts.NextLineAtEOL = q.NextLineAtEOL()
	}
	return p
}

// SetUniforms sets the custom uniform names declared by the prelude on the
// next compile.
func (p *Pipeline) SetUniforms(names []string) {
	p.mu.Lock()
	p.uniforms = append([]string(nil), names...)
	p.mu.Unlock()
}

// LastError returns the diagnostic of the most recent compile attempt.
func (p *Pipeline) LastError() ParseError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Compile processes source. On failure the returned error is an *Error
// carrying the positioned ParseError.
func (p *Pipeline) Compile(ctx context.Context, source string) (*Module, error) {
	p.mu.Lock()
	uniforms := p.uniforms
	p.mu.Unlock()

	mod, perr, cause := p.compile(ctx, source, uniforms)

	p.mu.Lock()
	p.last = perr
	p.mu.Unlock()

	if cause != nil {
		logging.For("compile").Debug("compile failed", "error", perr.Error())
		return nil, &Error{ParseError: perr, Cause: cause}
	}
	logging.For("compile").Debug("compiled",
		"entryPoints", len(mod.EntryPoints), "bindings", len(mod.Bindings))
	return mod, nil
}

func (p *Pipeline) compile(ctx context.Context, source string, uniforms []string) (*Module, ParseError, error) {
	if err := ctx.Err(); err != nil {
		return nil, ParseError{Summary: err.Error(), WholeDocument: true}, err
	}

	pre, err := Preprocess(source, Prelude(uniforms))
	if err != nil {
		return nil, MapDiagnostic(err.Error(), source, DiagnosticOptions{}), err
	}

	refl, err := p.compiler.Compile(ctx, pre.Source)
	if err != nil {
		opts := p.opts
		opts.LineMap = pre.LineMap
		return nil, MapDiagnostic(err.Error(), source, opts), err
	}

	eps := make([]EntryPoint, 0, len(refl.EntryPoints))
	for _, ep := range refl.EntryPoints {
		if dims, ok := pre.WorkgroupCounts[ep.Name]; ok {
			d := dims
			ep.Dispatch = &d
		}
		ep.Repeat = 1
		if n, ok := pre.DispatchCounts[ep.Name]; ok {
			ep.Repeat = n
		}
		eps = append(eps, ep)
	}
	if len(eps) == 0 {
		err := errors.New("shader declares no entry points")
		return nil, wholeDocument(err.Error(), source), err
	}

	return &Module{
		WGSL:        pre.Source,
		EntryPoints: eps,
		Layouts:     refl.Layouts,
		Bindings:    binding.Resolve(binding.ParseList(pre.Source)),
	}, Succeeded(), nil
}

// NagaCompiler compiles WGSL with the pure Go naga front end.
type NagaCompiler struct{}

// NextLineAtEOL reports that naga positions need end-of-line adjustment.
func (NagaCompiler) NextLineAtEOL() bool { return true }

// Compile parses, lowers and validates wgsl.
func (NagaCompiler) Compile(ctx context.Context, wgsl string) (*Reflection, error) {
	ast, err := naga.Parse(wgsl)
	if err != nil {
		return nil, err
	}
	module, err := naga.LowerWithSource(ast, wgsl)
	if err != nil {
		return nil, err
	}
	verrs, err := naga.Validate(module)
	if err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	if len(verrs) > 0 {
		msgs := make([]string, 0, len(verrs))
		for _, v := range verrs {
			msgs = append(msgs, v.Error())
		}
		return nil, fmt.Errorf("validation: %s", strings.Join(msgs, "; "))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reflectModule(module), nil
}

func reflectModule(module *ir.Module) *Reflection {
	refl := &Reflection{Layouts: make(map[Slot]Layout)}
	for _, ep := range module.EntryPoints {
		refl.EntryPoints = append(refl.EntryPoints, EntryPoint{
			Name:      ep.Name,
			Stage:     stageOf(ep.Stage),
			Workgroup: ep.Workgroup,
		})
	}
	for _, gv := range module.GlobalVariables {
		if gv.Binding == nil {
			continue
		}
		if gv.Space != ir.SpaceStorage && gv.Space != ir.SpaceUniform {
			continue
		}
		refl.Layouts[Slot{Group: gv.Binding.Group, Binding: gv.Binding.Binding}] = layoutOf(module, gv.Type)
	}
	return refl
}

func stageOf(s ir.ShaderStage) Stage {
	switch s {
	case ir.StageCompute:
		return StageCompute
	case ir.StageVertex:
		return StageVertex
	case ir.StageFragment:
		return StageFragment
	default:
		return StageOther
	}
}

// layoutOf splits a type's size into a fixed part and a runtime array
// stride. ir.TypeSize counts one element for runtime-sized arrays.
func layoutOf(module *ir.Module, h ir.TypeHandle) Layout {
	size := uint64(ir.TypeSize(module, h))
	if int(h) >= len(module.Types) {
		return Layout{Fixed: size}
	}
	switch t := module.Types[h].Inner.(type) {
	case ir.ArrayType:
		if t.Size.Constant == nil {
			return Layout{Stride: uint64(t.Stride)}
		}
	case ir.StructType:
		if n := len(t.Members); n > 0 {
			last := t.Members[n-1]
			if int(last.Type) < len(module.Types) {
				if arr, ok := module.Types[last.Type].Inner.(ir.ArrayType); ok && arr.Size.Constant == nil {
					return Layout{Fixed: uint64(last.Offset), Stride: uint64(arr.Stride)}
				}
			}
		}
	}
	return Layout{Fixed: size}
}
