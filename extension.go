package jsengine

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// MaxNativeArgs is the largest number of arguments a native extension
// function accepts. Calls with more arguments throw a javascript error.
const MaxNativeArgs = 8

// Resolver maps a native function name declared by an extension to the host
// function implementing it. Returning a nil Callback and a nil error means
// the extension does not provide that function; the name then stays undefined
// in javascript. A non-nil error fails the construction of the Context that
// is installing the extension. Resolve runs while that Context is being built
// and must not call into its isolate.
type Resolver interface {
	Resolve(name string) (Callback, error)
}

// ResolverFunc adapts an ordinary function to the Resolver interface.
type ResolverFunc func(name string) (Callback, error)

func (f ResolverFunc) Resolve(name string) (Callback, error) { return f(name) }

// FunctionTable is a Resolver backed by a fixed set of callbacks.
type FunctionTable map[string]Callback

func (t FunctionTable) Resolve(name string) (Callback, error) { return t[name], nil }

// MethodResolver returns a Resolver that looks native function names up as
// attributes of obj: methods with the Callback signature, Callback-typed
// struct fields, or entries of a map keyed by string. A name is tried as-is
// and with its first letter upper-cased, so "print" finds a Print method.
func MethodResolver(obj interface{}) Resolver {
	return ResolverFunc(func(name string) (Callback, error) {
		v := reflect.ValueOf(obj)
		if !v.IsValid() {
			return nil, nil
		}
		names := attributeNames(name)
		for _, n := range names {
			if cb, ok := asCallback(v.MethodByName(n)); ok {
				return cb, nil
			}
		}

		for v.Kind() == reflect.Ptr || v.Kind() == reflect.Interface {
			if v.IsNil() {
				return nil, nil
			}
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Struct:
			for _, n := range names {
				if f := v.FieldByName(n); f.IsValid() && f.CanInterface() {
					if cb, ok := asCallback(f); ok {
						return cb, nil
					}
				}
			}
		case reflect.Map:
			if v.Type().Key().Kind() != reflect.String {
				return nil, nil
			}
			key := reflect.ValueOf(name).Convert(v.Type().Key())
			if cb, ok := asCallback(v.MapIndex(key)); ok {
				return cb, nil
			}
		}
		return nil, nil
	})
}

func attributeNames(name string) []string {
	r, size := utf8.DecodeRuneInString(name)
	if up := unicode.ToUpper(r); up != r {
		return []string{name, string(up) + name[size:]}
	}
	return []string{name}
}

func asCallback(v reflect.Value) (Callback, bool) {
	if v.IsValid() && v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		return nil, false
	}
	if !v.Type().ConvertibleTo(callbackType) {
		return nil, false
	}
	return v.Convert(callbackType).Interface().(Callback), true
}

// nativeDecl matches V8 style native function declarations.
var nativeDecl = regexp.MustCompile(`\bnative\s+function\s+([A-Za-z_$][\w$]*)\s*\(\s*\)\s*;?`)

// splitNatives returns the names declared with "native function name();" and
// the source with those declarations blanked out. Blanking keeps every other
// token at its original line and column.
func splitNatives(source string) (natives []string, script string) {
	seen := map[string]bool{}
	script = nativeDecl.ReplaceAllStringFunc(source, func(decl string) string {
		name := nativeDecl.FindStringSubmatch(decl)[1]
		if !seen[name] {
			seen[name] = true
			natives = append(natives, name)
		}
		return strings.Map(func(r rune) rune {
			if r == '\n' || r == '\r' {
				return r
			}
			return ' '
		}, decl)
	})
	return natives, script
}

// extensionDesc is the immutable description shared by an Extension and its
// registry entry.
type extensionDesc struct {
	name     string
	source   string
	script   string
	natives  []string
	deps     []string
	resolver Resolver
}

// Extension is a named bundle of javascript source and host functions that
// can be installed into new Contexts. Extensions live in a process-wide
// registry: once registered they can be enabled by name in NewContext, or
// enabled for every new context with SetAutoEnable. Registered extensions are
// never removed.
type Extension struct {
	desc *extensionDesc

	mu         sync.Mutex
	registered bool
}

// registration is the registry's own record of an extension. It is created
// fresh from the descriptor when the extension is first registered.
type registration struct {
	desc       *extensionDesc
	autoEnable bool

	once sync.Once
	prog *goja.Program
	err  error
}

// program compiles the extension source the first time it is installed.
func (r *registration) program() (*goja.Program, error) {
	r.once.Do(func() {
		r.prog, r.err = compileProgram(r.desc.name, r.desc.script)
	})
	return r.prog, r.err
}

type registry struct {
	mu      sync.RWMutex
	entries []*registration
	byName  map[string]*registration
}

var (
	registryOnce      sync.Once
	extensionRegistry *registry
)

func extensions() *registry {
	registryOnce.Do(func() {
		extensionRegistry = &registry{byName: map[string]*registration{}}
	})
	return extensionRegistry
}

func (r *registry) lookup(name string) *registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// NewExtension creates an unregistered extension. resolver may be nil when
// the source declares no native functions. deps name extensions that must be
// registered before this one and are installed ahead of it.
func NewExtension(name, source string, resolver Resolver, deps []string) (*Extension, error) {
	if name == "" {
		return nil, errors.New("extension name must not be empty")
	}
	natives, script := splitNatives(source)
	return &Extension{desc: &extensionDesc{
		name:     name,
		source:   source,
		script:   script,
		natives:  natives,
		deps:     append([]string{}, deps...),
		resolver: resolver,
	}}, nil
}

// RegisterExtension creates an extension and registers it.
func RegisterExtension(name, source string, resolver Resolver, deps []string) (*Extension, error) {
	ext, err := NewExtension(name, source, resolver, deps)
	if err != nil {
		return nil, err
	}
	return ext, ext.Register()
}

// Register adds the extension to the process-wide registry. Registering a
// name that is already registered does nothing and is not an error. Every
// dependency must already be registered, otherwise a
// *MissingDependencyError is returned and the extension stays unregistered.
func (e *Extension) Register() error {
	r := extensions()
	r.mu.Lock()
	defer r.mu.Unlock()

	name := e.desc.name
	if _, ok := r.byName[name]; ok {
		Logger().Debug("extension already registered", zap.String("extension", name))
		e.setRegistered()
		return nil
	}
	for _, dep := range e.desc.deps {
		if _, ok := r.byName[dep]; !ok {
			Logger().Warn("extension dependency missing",
				zap.String("extension", name), zap.String("dependency", dep))
			return &MissingDependencyError{Extension: name, Dependency: dep}
		}
	}

	reg := &registration{desc: e.desc}
	r.entries = append(r.entries, reg)
	r.byName[name] = reg
	e.setRegistered()
	Logger().Debug("extension registered",
		zap.String("extension", name),
		zap.Strings("natives", e.desc.natives),
		zap.Strings("dependencies", e.desc.deps))
	return nil
}

func (e *Extension) setRegistered() {
	e.mu.Lock()
	e.registered = true
	e.mu.Unlock()
}

// Name returns the extension name.
func (e *Extension) Name() string { return e.desc.name }

// Source returns the extension source as given, native declarations included.
func (e *Extension) Source() string { return e.desc.source }

// Dependencies returns the names of the extensions this one depends on.
func (e *Extension) Dependencies() []string { return append([]string{}, e.desc.deps...) }

// Natives returns the native function names declared by the source.
func (e *Extension) Natives() []string { return append([]string{}, e.desc.natives...) }

// Registered reports whether Register has succeeded for this extension.
func (e *Extension) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

// AutoEnable reports whether the registered extension with this name is
// installed into every new context. It is false for unregistered names.
func (e *Extension) AutoEnable() bool {
	r := extensions()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.byName[e.desc.name]; ok {
		return reg.autoEnable
	}
	return false
}

// SetAutoEnable sets whether the registered extension with this name is
// installed into every new context. It does nothing for unregistered names.
func (e *Extension) SetAutoEnable(enable bool) {
	r := extensions()
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byName[e.desc.name]; ok {
		reg.autoEnable = enable
	}
}

// ExtensionInfo describes a registered extension.
type ExtensionInfo struct {
	Name       string
	Source     string
	AutoEnable bool
}

// ExtensionNames lists the registered extensions in registration order.
func ExtensionNames() []string {
	r := extensions()
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.entries))
	for i, reg := range r.entries {
		names[i] = reg.desc.name
	}
	return names
}

// ExtensionDetails describes every registered extension in registration
// order.
func ExtensionDetails() []ExtensionInfo {
	r := extensions()
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ExtensionInfo, len(r.entries))
	for i, reg := range r.entries {
		infos[i] = ExtensionInfo{Name: reg.desc.name, Source: reg.desc.source, AutoEnable: reg.autoEnable}
	}
	return infos
}

// ExtensionCount returns the number of registered extensions.
func ExtensionCount() int {
	r := extensions()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// extensionSource returns the source of a registered extension for error
// excerpts, or "" if name is not an extension.
func extensionSource(name string) string {
	if reg := extensions().lookup(name); reg != nil {
		return reg.desc.source
	}
	return ""
}

// installPlan orders the auto-enabled extensions followed by the requested
// ones, each preceded by its dependencies and each listed once.
func (r *registry) installPlan(requested []string) ([]*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plan []*registration
	seen := map[string]bool{}
	var visit func(reg *registration) error
	visit = func(reg *registration) error {
		if seen[reg.desc.name] {
			return nil
		}
		seen[reg.desc.name] = true
		for _, dep := range reg.desc.deps {
			d, ok := r.byName[dep]
			if !ok {
				return &MissingDependencyError{Extension: reg.desc.name, Dependency: dep}
			}
			if err := visit(d); err != nil {
				return err
			}
		}
		plan = append(plan, reg)
		return nil
	}

	for _, reg := range r.entries {
		if reg.autoEnable {
			if err := visit(reg); err != nil {
				return nil, err
			}
		}
	}
	for _, name := range requested {
		reg, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("extension %q is not registered", name)
		}
		if err := visit(reg); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

// installExtensions installs the extensions a new context asked for.
func (ctx *Context) installExtensions(requested []string) error {
	plan, err := extensions().installPlan(requested)
	if err != nil {
		return &EngineInitError{Reason: "cannot enable extensions", Err: err}
	}
	for _, reg := range plan {
		if err := ctx.installExtension(reg); err != nil {
			return err
		}
	}
	return nil
}

func (ctx *Context) installExtension(reg *registration) error {
	name := reg.desc.name
	prog, err := reg.program()
	if err != nil {
		return &EngineInitError{Reason: fmt.Sprintf("cannot compile extension %q", name), Err: err}
	}
	rt, err := ctx.runtime()
	if err != nil {
		return err
	}

	global := rt.GlobalObject()
	for _, fn := range reg.desc.natives {
		cb, err := resolveNative(reg.desc.resolver, fn)
		if err != nil {
			return &EngineInitError{
				Reason: fmt.Sprintf("extension %q", name),
				Err:    &HostSideError{Callback: fn, Err: err},
			}
		}
		if cb == nil {
			Logger().Debug("native function not provided",
				zap.String("extension", name), zap.String("function", fn))
			continue
		}
		if err := global.Set(fn, ctx.function(rt, fn, cb, MaxNativeArgs)); err != nil {
			return &EngineInitError{Reason: fmt.Sprintf("extension %q", name), Err: err}
		}
	}

	ctx.iso.pushRunning(ctx)
	_, err = rt.RunProgram(prog)
	ctx.iso.popRunning()
	if err != nil {
		err = ctx.engineError(err, extensionSource)
	} else if herr := ctx.takeHostError(); herr != nil {
		err = herr
	}
	if err != nil {
		return &EngineInitError{Reason: fmt.Sprintf("extension %q failed", name), Err: err}
	}

	ctx.mu.Lock()
	ctx.installed = append(ctx.installed, name)
	ctx.mu.Unlock()
	return nil
}

// resolveNative asks resolver for fn. A panicking resolver is reported as an
// error.
func resolveNative(resolver Resolver, fn string) (cb Callback, err error) {
	if resolver == nil {
		return nil, nil
	}
	defer func() {
		if v := recover(); v != nil {
			cb, err = nil, fmt.Errorf("resolver panic: %v", v)
		}
	}()
	return resolver.Resolve(fn)
}

// Extensions returns the names of the extensions installed in the context,
// in installation order.
func (ctx *Context) Extensions() []string {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return append([]string{}, ctx.installed...)
}
