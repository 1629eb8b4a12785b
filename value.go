package jsengine

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// Value represents a handle to a value within the javascript VM. Values are
// associated with a particular Context. They may be passed to another Context
// of the same Isolate when both contexts share a security token, in which
// case they are copied.
type Value struct {
	ctx      *Context
	val      goja.Value
	kindMask kindMask
}

func (ctx *Context) newValue(v goja.Value) *Value {
	if v == nil {
		v = goja.Undefined()
	}
	return &Value{ctx, v, kindsOf(v)}
}

// Context returns the context the value belongs to.
func (v *Value) Context() *Context { return v.ctx }

// Bytes returns a byte slice extracted from this value when the value
// is an ArrayBuffer or a Uint8Array. The returned byte slice is copied from
// the underlying buffer, so modifying it will not be reflected in the VM.
// Values of other types return nil.
func (v *Value) Bytes() []byte {
	defer v.ctx.iso.lockExec()()
	var src []byte
	switch b := v.val.Export().(type) {
	case goja.ArrayBuffer:
		src = b.Bytes()
	case []byte:
		src = b
	default:
		return nil
	}
	ret := make([]byte, len(src))
	copy(ret, src)
	return ret
}

// Float64 returns this Value as a float64. If this value is not a number,
// then NaN will be returned.
func (v *Value) Float64() float64 {
	if !v.IsKind(KindNumber) {
		return math.NaN()
	}
	return v.val.ToFloat()
}

// Int64 returns this Value as an int64. If this value is not a number,
// then 0 will be returned.
func (v *Value) Int64() int64 {
	if !v.IsKind(KindNumber) {
		return 0
	}
	return v.val.ToInteger()
}

// Bool returns this Value as a boolean. If the underlying value is not a
// boolean, it will be coerced to a boolean using Javascript's coercion rules.
func (v *Value) Bool() bool { return v.val.ToBoolean() }

// Date returns this Value as a time.Time. If the underlying value is not a
// KindDate, this will return an error.
func (v *Value) Date() (time.Time, error) {
	if !v.IsKind(KindDate) {
		return time.Time{}, errors.New("Not a date")
	}
	t, ok := v.val.Export().(time.Time)
	if !ok {
		return time.Time{}, errors.New("Invalid date")
	}
	return t, nil
}

// String returns the string representation of the value using the ToString()
// method. For primitive types this is just the printable value. For objects,
// this is "[object Object]". Functions print the function definition.
func (v *Value) String() string {
	defer v.ctx.iso.lockExec()()
	var s string
	if ex := v.try(func(rt *goja.Runtime) { s = v.val.String() }); ex != nil {
		return ex.Error()
	}
	return s
}

// Export returns the value converted to a plain Go value (see goja's
// Value.Export).
func (v *Value) Export() interface{} {
	defer v.ctx.iso.lockExec()()
	return v.val.Export()
}

// IsKind will test whether the underlying value is the specified JS kind.
// The kind of a value is set when the value is created and will not change.
func (v *Value) IsKind(k Kind) bool { return v.kindMask.Is(k) }

// Kinds returns every kind the value belongs to.
func (v *Value) Kinds() []Kind { return v.kindMask.kinds() }

func (v *Value) object() (*goja.Object, error) {
	obj, ok := v.val.(*goja.Object)
	if !ok {
		return nil, fmt.Errorf("Not an object: %s", v.kindMask)
	}
	return obj, nil
}

// try runs f catching javascript exceptions thrown by getters, setters and
// proxies. The caller holds the execution lock.
func (v *Value) try(f func(rt *goja.Runtime)) error {
	rt, err := v.ctx.runtime()
	if err != nil {
		return err
	}
	if ex := rt.Try(func() { f(rt) }); ex != nil {
		return v.ctx.engineError(ex, nil)
	}
	if herr := v.ctx.takeHostError(); herr != nil {
		return herr
	}
	return nil
}

// Get a field from the object. If this value is not an object, this will fail.
func (v *Value) Get(name string) (*Value, error) {
	defer v.ctx.iso.lockExec()()
	obj, err := v.object()
	if err != nil {
		return nil, err
	}
	var res goja.Value
	if err := v.try(func(*goja.Runtime) { res = obj.Get(name) }); err != nil {
		return nil, err
	}
	return v.ctx.newValue(res), nil
}

// GetIndex gets the value at the specified index. If this value is not an
// object or an array, this will fail.
func (v *Value) GetIndex(idx int) (*Value, error) {
	return v.Get(strconv.Itoa(idx))
}

// Set a field on the object. If this value is not an object, this
// will fail.
func (v *Value) Set(name string, value *Value) error {
	defer v.ctx.iso.lockExec()()
	obj, err := v.object()
	if err != nil {
		return err
	}
	gv, err := v.ctx.importValue(value)
	if err != nil {
		return err
	}
	var setErr error
	if err := v.try(func(*goja.Runtime) { setErr = obj.Set(name, gv) }); err != nil {
		return err
	}
	return setErr
}

// SetIndex sets the object's value at the specified index. If this value is
// not an object or an array, this will fail.
func (v *Value) SetIndex(idx int, value *Value) error {
	return v.Set(strconv.Itoa(idx), value)
}

func (v *Value) importArgs(args []*Value) ([]goja.Value, error) {
	out := make([]goja.Value, len(args))
	for i, a := range args {
		gv, err := v.ctx.importValue(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = gv
	}
	return out, nil
}

// Call this value as a function. If this value is not a function, this will
// fail.
func (v *Value) Call(this *Value, args ...*Value) (*Value, error) {
	defer v.ctx.iso.lockExec()()
	fn, ok := goja.AssertFunction(v.val)
	if !ok {
		return nil, fmt.Errorf("Not a function: %s", v.kindMask)
	}
	if _, err := v.ctx.runtime(); err != nil {
		return nil, err
	}
	thisVal, err := v.ctx.importValue(this)
	if err != nil {
		return nil, err
	}
	argv, err := v.importArgs(args)
	if err != nil {
		return nil, err
	}
	if err := v.ctx.iso.usable(); err != nil {
		return nil, err
	}

	v.ctx.iso.pushRunning(v.ctx)
	res, err := fn(thisVal, argv...)
	v.ctx.iso.popRunning()
	if err != nil {
		return nil, v.ctx.engineError(err, nil)
	}
	if herr := v.ctx.takeHostError(); herr != nil {
		return nil, herr
	}
	return v.ctx.newValue(res), nil
}

// New creates a new instance of an object using this value as its constructor.
// If this value is not a function, this will fail.
func (v *Value) New(args ...*Value) (*Value, error) {
	defer v.ctx.iso.lockExec()()
	obj, err := v.object()
	if err != nil {
		return nil, err
	}
	if _, ok := goja.AssertFunction(obj); !ok {
		return nil, fmt.Errorf("Not a constructor: %s", v.kindMask)
	}
	rt, err := v.ctx.runtime()
	if err != nil {
		return nil, err
	}
	argv, err := v.importArgs(args)
	if err != nil {
		return nil, err
	}
	if err := v.ctx.iso.usable(); err != nil {
		return nil, err
	}

	v.ctx.iso.pushRunning(v.ctx)
	res, err := rt.New(obj, argv...)
	v.ctx.iso.popRunning()
	if err != nil {
		return nil, v.ctx.engineError(err, nil)
	}
	if herr := v.ctx.takeHostError(); herr != nil {
		return nil, herr
	}
	return v.ctx.newValue(res), nil
}

// MarshalJSON implements the json.Marshaler interface using the JSON.stringify
// function from the VM to serialize the value and fails if that cannot be
// found.
//
// Note that JSON.stringify will ignore function values. For example, this JS
// object:
//
//	{ foo: function() { return "x" }, bar: 3 }
//
// will serialize to this:
//
//	{"bar":3}
func (v *Value) MarshalJSON() ([]byte, error) {
	var json_stringify *Value
	if json, err := v.ctx.Global().Get("JSON"); err != nil {
		return nil, fmt.Errorf("Cannot get JSON object: %v", err)
	} else if json_stringify, err = json.Get("stringify"); err != nil {
		return nil, fmt.Errorf("Cannot get JSON.stringify: %v", err)
	}
	res, err := json_stringify.Call(json_stringify, v)
	if err != nil {
		return nil, fmt.Errorf("Failed to stringify val: %v", err)
	}
	return []byte(res.String()), nil
}
