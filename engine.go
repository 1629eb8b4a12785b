package jsengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"
)

var errScriptReleased = errors.New("script has been released")

// Engine compiles source text into Scripts and runs them in the innermost
// entered Context of its isolate.
type Engine struct {
	iso *Isolate
}

// NewEngine returns an Engine bound to the current isolate.
func NewEngine() *Engine { return CurrentIsolate().Engine() }

// Isolate returns the isolate the engine is bound to.
func (e *Engine) Isolate() *Isolate { return e.iso }

// Script is an immutable compiled script. It can be run any number of times,
// in any context of the isolate that compiled it.
type Script struct {
	engine    *Engine
	name      string
	line, col int
	prog      handle
	src       handle
}

// Compile parses source into a Script. name is the resource name reported in
// errors and stack traces; line and col offset the reported positions as if
// the source started at that line and column of a larger file. Negative
// offsets mean no offset.
//
// Syntax errors are returned as a *CompileError.
func (e *Engine) Compile(source, name string, line, col int) (*Script, error) {
	if err := e.iso.usable(); err != nil {
		return nil, err
	}
	prog, err := compileProgram(name, withOrigin(source, line, col))
	if err != nil {
		Logger().Debug("compile failed", zap.String("name", name), zap.Error(err))
		return nil, err
	}
	s := &Script{engine: e, name: name, line: line, col: col}
	s.prog = e.iso.handles.add(handleScript, prog, nil)
	s.src = e.iso.handles.add(handleString, source, nil)
	return s, nil
}

// Run executes script in the innermost entered context. It fails with a
// *NoContextError if no context is entered, a *JavaScriptError if the script
// throws, a *HostSideError if a host callback failed fatally and a
// *TerminatedError if the isolate was terminated.
func (e *Engine) Run(script *Script) (*Value, error) {
	defer e.iso.lockExec()()
	return e.run(script)
}

// run is Run for callers that hold the execution lock.
func (e *Engine) run(script *Script) (*Value, error) {
	if script.engine.iso != e.iso {
		return nil, fmt.Errorf("script %q was compiled in isolate #%d, not #%d",
			script.name, script.engine.iso.id, e.iso.id)
	}
	prog, ok := e.iso.handles.get(script.prog).(*goja.Program)
	if !ok {
		return nil, errScriptReleased
	}
	ctx := e.iso.EnteredContext()
	if ctx == nil {
		return nil, &NoContextError{Op: "run"}
	}
	if err := e.iso.usable(); err != nil {
		return nil, err
	}
	rt, err := ctx.runtime()
	if err != nil {
		return nil, err
	}

	e.iso.pushRunning(ctx)
	val, err := rt.RunProgram(prog)
	e.iso.popRunning()

	if err != nil {
		return nil, ctx.engineError(err, script.lookupSource)
	}
	if herr := ctx.takeHostError(); herr != nil {
		return nil, herr
	}
	if val == nil {
		val = goja.Undefined()
	}
	return ctx.newValue(val), nil
}

// Run executes the script in the innermost entered context of its isolate.
func (s *Script) Run() (*Value, error) { return s.engine.Run(s) }

// Name returns the resource name the script was compiled with.
func (s *Script) Name() string { return s.name }

// Source returns the source text the script was compiled from.
func (s *Script) Source() string {
	src, _ := s.engine.iso.handles.get(s.src).(string)
	return src
}

// Retain adds a host reference to the script.
func (s *Script) Retain() error {
	if err := s.engine.iso.handles.retain(s.prog); err != nil {
		return err
	}
	return s.engine.iso.handles.retain(s.src)
}

// Release drops a host reference; the compiled form and the source are freed
// with the last one.
func (s *Script) Release() error {
	err := s.engine.iso.handles.drop(s.prog)
	if err != nil {
		return err
	}
	return s.engine.iso.handles.drop(s.src)
}

// lookupSource returns the origin-padded source for error excerpts.
func (s *Script) lookupSource(name string) string {
	if name == s.name {
		return withOrigin(s.Source(), s.line, s.col)
	}
	return extensionSource(name)
}

// withOrigin shifts source so positions reported by the engine start at the
// given line and column offsets.
func withOrigin(source string, line, col int) string {
	if line <= 0 && col <= 0 {
		return source
	}
	var b strings.Builder
	if line > 0 {
		b.WriteString(strings.Repeat("\n", line))
	}
	if col > 0 {
		b.WriteString(strings.Repeat(" ", col))
	}
	b.WriteString(source)
	return b.String()
}

// compileProgram parses and compiles src, consulting the program cache.
func compileProgram(name, src string) (*goja.Program, error) {
	flags := CurrentFlags()
	cache := programs()
	if flags.CompileCache {
		if prog, ok := cache.get(name, src, flags.UseStrict); ok {
			return prog, nil
		}
	}

	ast, err := parser.ParseFile(nil, name, src, 0, parser.WithDisableSourceMaps)
	if err != nil {
		return nil, compileError(err, name, src)
	}
	prog, err := goja.CompileAST(ast, flags.UseStrict)
	if err != nil {
		return nil, compileError(err, name, src)
	}

	if flags.CompileCache {
		cache.put(name, src, flags.UseStrict, prog)
	}
	return prog, nil
}
