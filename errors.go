package jsengine

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"
)

// Loc defines a script location.
type Loc struct {
	Funcname, Filename string
	Line, Column       int
}

// Location is the position information attached to compile and runtime
// errors. Line and Column are 1-based; zero means unknown.
type Location struct {
	ResourceName string
	Line, Column int
	SourceLine   string
}

func (l Location) String() string {
	name := l.ResourceName
	if name == "" {
		name = "<eval>"
	}
	if l.Line <= 0 {
		return name
	}
	return fmt.Sprintf("%s:%d:%d", name, l.Line, l.Column)
}

// excerpt renders the offending source line with a caret under the column.
func (l Location) excerpt() string {
	if l.SourceLine == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(l.SourceLine)
	if l.Column > 0 && l.Column <= len(l.SourceLine)+1 {
		b.WriteString("\n")
		for _, c := range l.SourceLine[:l.Column-1] {
			if c == '\t' {
				b.WriteByte('\t')
			} else {
				b.WriteByte(' ')
			}
		}
		b.WriteByte('^')
	}
	return b.String()
}

// CompileError is returned when source text fails to parse.
type CompileError struct {
	Message string
	Location
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("SyntaxError: %s at %s%s", e.Message, e.Location, e.excerpt())
}

// JavaScriptError is returned when a script throws and nothing catches it.
type JavaScriptError struct {
	// Name is the constructor name of a thrown Error object (e.g. "TypeError").
	// It is empty when a non-Error value was thrown.
	Name    string
	Message string
	Location
	StackTrace string
	// Value is the thrown value itself.
	Value *Value
	// Cause is the Go error a host callback returned, if that is what threw.
	Cause error
}

func (e *JavaScriptError) Error() string {
	msg := e.Message
	if e.Name != "" {
		msg = e.Name + ": " + msg
	}
	if e.Line > 0 {
		return fmt.Sprintf("Uncaught exception: %s at %s", msg, e.Location)
	}
	return "Uncaught exception: " + msg
}

func (e *JavaScriptError) Unwrap() error { return e.Cause }

// HostSideError is a failure raised by host code that reentered the engine
// (for example a panicking callback). It takes precedence over whatever the
// engine reported for the same call.
type HostSideError struct {
	Callback string
	Err      error
}

func (e *HostSideError) Error() string {
	if e.Callback != "" {
		return fmt.Sprintf("host callback %q: %v", e.Callback, e.Err)
	}
	return fmt.Sprintf("host error: %v", e.Err)
}

func (e *HostSideError) Unwrap() error { return e.Err }

// NoContextError is returned by operations that need an entered Context when
// none is entered.
type NoContextError struct {
	Op string
}

func (e *NoContextError) Error() string {
	return fmt.Sprintf("%s: no context is entered", e.Op)
}

// ContextStackError reports mismatched Enter/Leave (or Isolate Enter/Exit)
// calls.
type ContextStackError struct {
	Op     string
	Reason string
}

func (e *ContextStackError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// MissingDependencyError is returned when an Extension is registered before
// one of its dependencies.
type MissingDependencyError struct {
	Extension  string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("extension %q depends on %q, which is not registered",
		e.Extension, e.Dependency)
}

// TerminatedError is returned when execution was terminated. The isolate is
// unusable afterwards.
type TerminatedError struct {
	Reason string
}

func (e *TerminatedError) Error() string {
	if e.Reason != "" {
		return "execution terminated: " + e.Reason
	}
	return "execution terminated"
}

// EngineInitError is returned when an isolate or context cannot be created.
type EngineInitError struct {
	Reason string
	Err    error
}

func (e *EngineInitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("engine init: %s: %v", e.Reason, e.Err)
	}
	return "engine init: " + e.Reason
}

func (e *EngineInitError) Unwrap() error { return e.Err }

// SecurityError is returned when a value crosses between contexts whose
// security tokens do not match.
type SecurityError struct {
	From, To int
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("access from context #%d to context #%d denied: security tokens differ",
		e.From, e.To)
}

// ErrStackLimitOverflow is returned by SetStackLimit when the requested size
// would wrap the stack address computation.
var ErrStackLimitOverflow = errors.New("attempted to set a stack limit greater than available memory")

// errTooManyArguments is thrown into javascript when a native extension
// function is called with more than MaxNativeArgs arguments.
var errTooManyArguments = errors.New("too many arguments")

// sourceLine returns line n (1-based) of src, or "" if out of range.
func sourceLine(src string, n int) string {
	if n <= 0 {
		return ""
	}
	for i := 1; i < n; i++ {
		idx := strings.IndexByte(src, '\n')
		if idx < 0 {
			return ""
		}
		src = src[idx+1:]
	}
	if idx := strings.IndexByte(src, '\n'); idx >= 0 {
		src = src[:idx]
	}
	return strings.TrimSuffix(src, "\r")
}

// compileError converts a parser or compiler failure into a *CompileError.
// src is the (origin padded) source that was handed to the parser.
func compileError(err error, name, src string) error {
	loc := Location{ResourceName: name}
	msg := err.Error()

	var list parser.ErrorList
	var single *parser.Error
	var syntax *goja.CompilerSyntaxError
	var reference *goja.CompilerReferenceError
	switch {
	case errors.As(err, &list) && len(list) > 0:
		msg = list[0].Message
		loc.Line, loc.Column = list[0].Position.Line, list[0].Position.Column
	case errors.As(err, &single):
		msg = single.Message
		loc.Line, loc.Column = single.Position.Line, single.Position.Column
	case errors.As(err, &syntax):
		msg = syntax.Message
		loc.Line, loc.Column = compilerPosition(syntax.File, syntax.Offset)
	case errors.As(err, &reference):
		msg = reference.Message
		loc.Line, loc.Column = compilerPosition(reference.File, reference.Offset)
	}
	loc.SourceLine = sourceLine(src, loc.Line)
	return &CompileError{Message: msg, Location: loc}
}

func compilerPosition(f *file.File, offset int) (line, col int) {
	if f == nil {
		return 0, 0
	}
	p := f.Position(offset)
	return p.Line, p.Column
}

// stackFrameRE matches goja's rendering of a stack frame, e.g.
//
//	at fn (file.js:3:5(12))
//	at file.js:3:5(12)
var stackFrameRE = regexp.MustCompile(
	`^\s*at\s+(?:(?P<func>[^(]*?)\s+\()?(?P<file>[^()]*):(?P<line>\d+):(?P<col>\d+)\(\d+\)\)?\s*$`)

// parseStack splits the frames of a goja exception dump. Native frames have no
// file position and are returned with a zero Line.
func parseStack(dump string) (frames []Loc, trace string) {
	var lines []string
	for _, l := range strings.Split(dump, "\n") {
		t := strings.TrimSpace(l)
		if !strings.HasPrefix(t, "at ") {
			continue
		}
		lines = append(lines, t)
		m := stackFrameRE.FindStringSubmatch(t)
		if m == nil {
			frames = append(frames, Loc{Funcname: strings.TrimPrefix(t, "at ")})
			continue
		}
		line, _ := strconv.Atoi(m[3])
		col, _ := strconv.Atoi(m[4])
		frames = append(frames, Loc{Funcname: m[1], Filename: m[2], Line: line, Column: col})
	}
	return frames, strings.Join(lines, "\n")
}

// javascriptError builds a *JavaScriptError from an uncaught goja exception.
// lookup resolves a resource name to its source for the SourceLine excerpt.
func (ctx *Context) javascriptError(ex *goja.Exception, lookup func(string) string) *JavaScriptError {
	jsErr := &JavaScriptError{}
	val := ex.Value()
	if val != nil {
		jsErr.Value = ctx.newValue(val)
		jsErr.Message = val.String()
		if obj, ok := val.(*goja.Object); ok && obj.ClassName() == "Error" {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				jsErr.Name = name.String()
			}
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				jsErr.Message = m.String()
			}
			if v := obj.Get("value"); v != nil {
				if cause, ok := v.Export().(error); ok {
					jsErr.Cause = cause
				}
			}
		}
	}

	frames, trace := parseStack(ex.String())
	jsErr.StackTrace = trace
	for _, f := range frames {
		if f.Line == 0 {
			continue
		}
		jsErr.Location = Location{ResourceName: f.Filename, Line: f.Line, Column: f.Column}
		if f.Filename == "<eval>" {
			jsErr.Location.ResourceName = ""
		}
		if lookup != nil {
			jsErr.SourceLine = sourceLine(lookup(jsErr.ResourceName), f.Line)
		}
		break
	}
	return jsErr
}
