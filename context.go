package jsengine

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

var errContextReleased = errors.New("context has been released")

// Callback is the signature for callback functions that are registered with a
// Context via Bind() or provided by an Extension resolver. Never return a
// Value from a different isolate. A return value of nil will return
// "undefined" to javascript. Returning an error will throw an exception.
// Panics are caught and reported as a *HostSideError from the javascript call
// that triggered them.
type Callback func(CallbackArgs) (*Value, error)

// CallbackArgs provide the context for handling a javascript callback into go.
// Caller is the script location that javascript is calling from. If the
// function is called directly from Go (e.g. via Call()), then "Caller" will be
// empty. Args are the arguments provided by the JS code. Context is the
// context that initiated the call.
type CallbackArgs struct {
	Caller  Loc
	Args    []*Value
	Context *Context
}

// Arg returns the specified argument or "undefined" if it doesn't exist.
func (c *CallbackArgs) Arg(n int) *Value {
	if n < len(c.Args) && n >= 0 {
		return c.Args[n]
	}
	undef, _ := c.Context.Create(nil)
	return undef
}

// Context is a sandboxed js environment with its own set of built-in objects
// and functions. Values and javascript operations within a context are visible
// only within that context unless the Go code explicitly moves values from one
// context to another.
type Context struct {
	id  int
	iso *Isolate
	h   handle

	released atomic.Bool

	mu        sync.Mutex
	token     []byte
	hostErrs  []*HostSideError
	installed []string
}

// NewContext creates a new Context in the current isolate (see
// CurrentIsolate). If global is not nil it is converted as by Create and its
// properties are copied onto the context's global object. Every auto-enabled
// extension is installed, followed by the named extensions and their
// dependencies.
func NewContext(global interface{}, extensions ...string) (*Context, error) {
	return CurrentIsolate().NewContext(global, extensions...)
}

func newContext(iso *Isolate, global interface{}, extensions []string) (*Context, error) {
	if err := iso.usable(); err != nil {
		return nil, err
	}

	rt := goja.New()
	rt.SetMaxCallStackSize(iso.callDepth())
	if CurrentFlags().ExposeGC {
		rt.Set("gc", exposedGC)
	}

	ctx := &Context{
		id:  int(atomic.AddInt32(&nextContextId, 1)),
		iso: iso,
	}
	defer iso.lockExec()()
	iso.mu.Lock()
	ctx.h = iso.handles.add(handleContext, rt, func(interface{}) error {
		ctx.released.Store(true)
		iso.forget(ctx)
		return iso.unref()
	})
	iso.contexts[ctx.id] = ctx
	iso.refs++
	iso.mu.Unlock()

	if iso.snapshot != nil {
		if err := ctx.restoreSnapshot(iso.snapshot); err != nil {
			ctx.Release()
			return nil, &EngineInitError{Reason: "cannot restore snapshot", Err: err}
		}
	}
	if global != nil {
		if err := ctx.copyGlobal(global); err != nil {
			ctx.Release()
			Logger().Warn("context global rejected", zap.Int("context", ctx.id), zap.Error(err))
			return nil, &EngineInitError{Reason: "cannot install global object", Err: err}
		}
	}
	if err := ctx.installExtensions(extensions); err != nil {
		ctx.Release()
		Logger().Warn("context extensions failed", zap.Int("context", ctx.id), zap.Error(err))
		return nil, err
	}

	Logger().Debug("context created",
		zap.Int("isolate", iso.id), zap.Int("context", ctx.id), zap.Strings("extensions", extensions))
	return ctx, nil
}

func (ctx *Context) copyGlobal(global interface{}) error {
	rt := ctx.rt()
	v, err := ctx.create(rt, reflect.ValueOf(global), nil)
	if err != nil {
		return err
	}
	src, ok := v.(*goja.Object)
	if !ok {
		return fmt.Errorf("global object must convert to an object, got %s", kindsOf(v))
	}
	g := rt.GlobalObject()
	if ex := rt.Try(func() {
		for _, key := range src.Keys() {
			if err = g.Set(key, src.Get(key)); err != nil {
				return
			}
		}
	}); ex != nil {
		return ctx.javascriptError(ex, nil)
	}
	return err
}

// rt returns the engine runtime behind the context, or nil once released.
func (ctx *Context) rt() *goja.Runtime {
	if ctx.released.Load() {
		return nil
	}
	rt, _ := ctx.iso.handles.get(ctx.h).(*goja.Runtime)
	return rt
}

func (ctx *Context) runtime() (*goja.Runtime, error) {
	if rt := ctx.rt(); rt != nil {
		return rt, nil
	}
	return nil, errContextReleased
}

// Isolate returns the isolate the context belongs to.
func (ctx *Context) Isolate() *Isolate { return ctx.iso }

// Retain adds a host reference to the context. Each Retain must be matched by
// a Release.
func (ctx *Context) Retain() error { return ctx.iso.handles.retain(ctx.h) }

// Release drops a host reference. When the last reference is dropped the
// engine context is freed, the context is removed from the activation stack
// and IsEntered reports false from then on.
func (ctx *Context) Release() error {
	if ctx.released.Load() {
		return nil
	}
	if ctx.iso.isEntered(ctx) && ctx.iso.handles.refs(ctx.h) == 1 {
		Logger().Warn("releasing an entered context", zap.Int("context", ctx.id))
	}
	return ctx.iso.handles.drop(ctx.h)
}

// Enter pushes the context onto its isolate's activation stack. Scripts run
// by an Engine execute in the innermost entered context.
func (ctx *Context) Enter() error {
	defer ctx.iso.lockExec()()
	if ctx.released.Load() {
		return errContextReleased
	}
	ctx.iso.enter(ctx)
	return nil
}

// Leave pops the context off the activation stack. It fails with a
// *ContextStackError unless the context is the innermost entered one.
func (ctx *Context) Leave() error {
	defer ctx.iso.lockExec()()
	return ctx.iso.leave(ctx)
}

// IsEntered reports whether the context is on its isolate's activation stack.
func (ctx *Context) IsEntered() bool {
	return !ctx.released.Load() && ctx.iso.isEntered(ctx)
}

// InContext reports whether any context is entered in the current isolate.
func InContext() bool { return CurrentIsolate().InContext() }

// EnteredContext returns the innermost entered context of the current
// isolate.
func EnteredContext() *Context { return CurrentIsolate().EnteredContext() }

// CurrentContext returns the context whose code is executing in the current
// isolate, or the entered one if no javascript is running.
func CurrentContext() *Context { return CurrentIsolate().CurrentContext() }

// CallingContext returns the context whose javascript invoked the executing
// host callback in the current isolate.
func CallingContext() *Context { return CurrentIsolate().CallingContext() }

// SecurityToken returns a copy of the context's security token, or nil if
// none was set.
func (ctx *Context) SecurityToken() []byte {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.token == nil {
		return nil
	}
	return append([]byte{}, ctx.token...)
}

// SetSecurityToken sets the token compared when values move between contexts.
// Two distinct contexts may exchange values only when both have a token and
// the tokens are equal. A nil token restores the default, which matches no
// other context.
func (ctx *Context) SetSecurityToken(token []byte) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if token == nil {
		ctx.token = nil
		return
	}
	ctx.token = append([]byte{}, token...)
}

func (ctx *Context) canAccess(other *Context) bool {
	if ctx == other {
		return true
	}
	if ctx.iso != other.iso {
		return false
	}
	a, b := ctx.SecurityToken(), other.SecurityToken()
	return a != nil && b != nil && bytes.Equal(a, b)
}

// Evaluate compiles and runs source in this context, entering it for the
// duration of the call. name, line and col set the script origin as for
// Engine.Compile. Entering, running and leaving happen under the isolate's
// execution lock, so concurrent Evaluate calls on contexts of one isolate do
// not interleave.
func (ctx *Context) Evaluate(source, name string, line, col int) (*Value, error) {
	script, err := ctx.iso.Engine().Compile(source, name, line, col)
	if err != nil {
		return nil, err
	}
	defer script.Release()

	defer ctx.iso.lockExec()()
	if ctx.released.Load() {
		return nil, errContextReleased
	}
	ctx.iso.enter(ctx)
	res, err := script.engine.run(script)
	if lerr := ctx.iso.leave(ctx); lerr != nil && err == nil {
		return nil, lerr
	}
	return res, err
}

// Eval runs the javascript code in the VM. The filename parameter is
// informational only -- it is shown in javascript stack traces.
func (ctx *Context) Eval(jsCode, filename string) (*Value, error) {
	return ctx.Evaluate(jsCode, filename, -1, -1)
}

// Global returns the JS global object for this context, with properties like
// Object, Array, JSON, etc. It returns nil once the context is released.
func (ctx *Context) Global() *Value {
	rt := ctx.rt()
	if rt == nil {
		return nil
	}
	return ctx.newValue(rt.GlobalObject())
}

// Terminate will interrupt any processing going on in the context. This may
// be called from any goroutine. It terminates the whole isolate.
func (ctx *Context) Terminate() { ctx.iso.Terminate() }

// Bind creates a function value that calls a Go function when invoked. This
// value is created but NOT visible in the Context until it is explicitly passed
// to the Context (either via a .Set() call or as a callback return value).
//
// The name that is provided is the name of the defined javascript function, and
// generally doesn't affect anything.
func (ctx *Context) Bind(name string, cb Callback) *Value {
	defer ctx.iso.lockExec()()
	rt := ctx.rt()
	if rt == nil {
		return nil
	}
	return ctx.newValue(ctx.function(rt, name, cb, 0))
}

// function wraps cb as a javascript function. maxArgs of zero means no limit.
func (ctx *Context) function(rt *goja.Runtime, name string, cb Callback, maxArgs int) *goja.Object {
	fn := rt.ToValue(func(call goja.FunctionCall) goja.Value {
		return ctx.invoke(rt, name, cb, call, maxArgs)
	}).(*goja.Object)
	_ = fn.DefineDataProperty("name", rt.ToValue(name), goja.FLAG_FALSE, goja.FLAG_TRUE, goja.FLAG_FALSE)
	return fn
}

func (ctx *Context) invoke(rt *goja.Runtime, name string, cb Callback, call goja.FunctionCall, maxArgs int) goja.Value {
	if maxArgs > 0 && len(call.Arguments) > maxArgs {
		panic(rt.NewGoError(errTooManyArguments))
	}

	args := make([]*Value, len(call.Arguments))
	for i, a := range call.Arguments {
		args[i] = ctx.newValue(a)
	}

	caller := callerLoc(rt)
	ctx.iso.pushCalling(ctx)
	defer ctx.iso.popCalling()

	res, hostErr, err := ctx.call(name, cb, CallbackArgs{caller, args, ctx})
	if hostErr != nil {
		ctx.setHostError(hostErr)
		rt.Interrupt(hostErr)
		return goja.Undefined()
	}
	if err != nil {
		panic(rt.NewGoError(err))
	}
	if res == nil {
		return goja.Undefined()
	}
	v, err := ctx.importValue(res)
	if err != nil {
		panic(rt.NewGoError(fmt.Errorf("callback %s: %w", name, err)))
	}
	return v
}

// call runs cb, converting a panic into a host error. Javascript exceptions
// raised by nested engine calls keep propagating.
func (ctx *Context) call(name string, cb Callback, args CallbackArgs) (res *Value, hostErr *HostSideError, err error) {
	defer func() {
		if v := recover(); v != nil {
			switch v.(type) {
			case *goja.Exception, *goja.InterruptedError, goja.Value:
				panic(v)
			}
			hostErr = &HostSideError{Callback: name, Err: fmt.Errorf("panic: %v", v)}
		}
	}()
	res, err = cb(args)
	return res, nil, err
}

// callerLoc returns the innermost javascript frame on the runtime's stack.
func callerLoc(rt *goja.Runtime) Loc {
	for _, f := range rt.CaptureCallStack(0, nil) {
		p := f.Position()
		if p.Line == 0 {
			continue
		}
		name := f.FuncName()
		if name == "<anonymous>" {
			name = ""
		}
		return Loc{Funcname: name, Filename: p.Filename, Line: p.Line, Column: p.Column}
	}
	return Loc{}
}

func (ctx *Context) setHostError(err *HostSideError) {
	ctx.mu.Lock()
	ctx.hostErrs = append(ctx.hostErrs, err)
	ctx.mu.Unlock()
}

// takeHostError returns the first pending host error and clears the engine
// interrupt it raised.
func (ctx *Context) takeHostError() *HostSideError {
	ctx.mu.Lock()
	errs := ctx.hostErrs
	ctx.hostErrs = nil
	ctx.mu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	if rt := ctx.rt(); rt != nil {
		rt.ClearInterrupt()
	}
	return errs[0]
}

// engineError converts an error returned by the engine into one of the
// package's error types. A pending host error always wins.
func (ctx *Context) engineError(err error, lookup func(string) string) error {
	if herr := ctx.takeHostError(); herr != nil {
		return herr
	}

	var intr *goja.InterruptedError
	if errors.As(err, &intr) {
		switch v := intr.Value().(type) {
		case terminateSignal:
			ctx.iso.terminate(v.reason)
			return &TerminatedError{Reason: v.reason}
		case *HostSideError:
			if rt := ctx.rt(); rt != nil {
				rt.ClearInterrupt()
			}
			return v
		}
		ctx.iso.terminate(fmt.Sprint(intr.Value()))
		return &TerminatedError{Reason: fmt.Sprint(intr.Value())}
	}

	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		jsErr := ctx.javascriptError(&overflow.Exception, lookup)
		jsErr.Name, jsErr.Message = "RangeError", "Maximum call stack size exceeded"
		return jsErr
	}

	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ctx.javascriptError(ex, lookup)
	}
	return err
}

// importValue returns the engine value to use for v inside ctx. Values from
// other contexts are copied when the security tokens allow it.
func (ctx *Context) importValue(v *Value) (goja.Value, error) {
	if v == nil || v.val == nil {
		return goja.Undefined(), nil
	}
	if v.ctx == ctx {
		return v.val, nil
	}
	if v.ctx.iso != ctx.iso {
		return nil, errors.New("value belongs to another isolate")
	}
	if !ctx.canAccess(v.ctx) {
		return nil, &SecurityError{From: ctx.id, To: v.ctx.id}
	}
	if _, isFunc := goja.AssertFunction(v.val); isFunc {
		return nil, errors.New("functions cannot be shared between contexts")
	}
	rt, err := ctx.runtime()
	if err != nil {
		return nil, err
	}
	return rt.ToValue(v.val.Export()), nil
}

// ParseJson uses JSON.parse to parse the string and return the parsed object.
func (ctx *Context) ParseJson(json string) (*Value, error) {
	var json_parse *Value
	if json, err := ctx.Global().Get("JSON"); err != nil {
		return nil, fmt.Errorf("Cannot get JSON: %v", err)
	} else if json_parse, err = json.Get("parse"); err != nil {
		return nil, fmt.Errorf("Cannot get JSON.parse: %v", err)
	}
	str, err := ctx.Create(json)
	if err != nil {
		return nil, err
	}
	return json_parse.Call(json_parse, str)
}

// String identifies the context in logs and error messages.
func (ctx *Context) String() string {
	return fmt.Sprintf("context #%d (isolate #%d)", ctx.id, ctx.iso.id)
}
