package jsengine

import (
	"fmt"
	"path"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/dop251/goja"
)

var float64Type = reflect.TypeOf(float64(0))
var callbackType = reflect.TypeOf(Callback(nil))
var stringType = reflect.TypeOf(string(""))
var valuePtrType = reflect.TypeOf((*Value)(nil))
var timeType = reflect.TypeOf(time.Time{})

// Create maps Go values into corresponding JavaScript values. This value is
// created but NOT visible in the Context until it is explicitly passed to the
// Context (either via a .Set() call or as a callback return value).
//
// Create can automatically map the following types of values:
//   - bool
//   - all integers and floats are mapped to JS numbers (float64)
//   - strings
//   - maps (keys must be strings, values must be convertible)
//   - time.Time values (converted to js Date object)
//   - structs (exported field values must be convertible)
//   - slices of convertible types
//   - pointers to any convertible field
//   - Callback function (automatically bind'd)
//   - *Value (returned as-is, or copied if it belongs to another Context)
//
// Any nil pointers are converted to undefined in JS.
//
// When structs are being converted, any fields with json struct tags will
// respect the json naming entry. Embedded structs (or pointers-to-structs)
// will get inlined.
//
// Byte slices tagged as 'js:"arraybuffer"' will be converted into a javascript
// ArrayBuffer object for more efficient conversion.
func (ctx *Context) Create(val interface{}) (*Value, error) {
	defer ctx.iso.lockExec()()
	rt, err := ctx.runtime()
	if err != nil {
		return nil, err
	}
	v, err := ctx.create(rt, reflect.ValueOf(val), nil)
	if err != nil {
		return nil, err
	}
	return ctx.newValue(v), nil
}

func getJsName(fieldName, jsonTag string) string {
	jsonName := strings.TrimSpace(strings.Split(jsonTag, ",")[0])
	if jsonName == "-" {
		return "" // skip this field
	}
	if jsonName == "" {
		return fieldName // use the default name
	}
	return jsonName // explict name specified
}

func (ctx *Context) create(rt *goja.Runtime, val reflect.Value, tags []string) (goja.Value, error) {
	if !val.IsValid() {
		return goja.Undefined(), nil
	}

	if val.Type() == valuePtrType {
		return ctx.importValue(val.Interface().(*Value))
	} else if val.Type() == timeType {
		msec := float64(val.Interface().(time.Time).UnixNano()) / 1e6
		return rt.New(rt.Get("Date"), rt.ToValue(msec))
	}

	switch val.Kind() {
	case reflect.Bool:
		return rt.ToValue(val.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return rt.ToValue(val.Convert(float64Type).Float()), nil
	case reflect.String:
		return rt.ToValue(val.String()), nil
	case reflect.UnsafePointer, reflect.Uintptr:
		return nil, fmt.Errorf("Uintptr not supported: %#v", val.Interface())
	case reflect.Complex64, reflect.Complex128:
		return nil, fmt.Errorf("Complex not supported: %#v", val.Interface())
	case reflect.Chan:
		return nil, fmt.Errorf("Chan not supported: %#v", val.Interface())
	case reflect.Func:
		if val.Type().ConvertibleTo(callbackType) {
			name := path.Base(runtime.FuncForPC(val.Pointer()).Name())
			return ctx.function(rt, name, val.Convert(callbackType).Interface().(Callback), 0), nil
		}
		return nil, fmt.Errorf("Func not supported: %#v", val.Interface())
	case reflect.Interface, reflect.Ptr:
		return ctx.create(rt, val.Elem(), tags)
	case reflect.Map:
		if val.Type().Key() != stringType {
			return nil, fmt.Errorf("Map keys must be strings, %s not allowed", val.Type().Key())
		}
		ob := rt.NewObject()
		keys := val.MapKeys()
		sort.Sort(stringKeys(keys))
		for _, key := range keys {
			v, err := ctx.create(rt, val.MapIndex(key), nil)
			if err != nil {
				return nil, fmt.Errorf("map key %q: %v", key.String(), err)
			}
			if err := ob.Set(key.String(), v); err != nil {
				return nil, err
			}
		}
		return ob, nil
	case reflect.Struct:
		ob := rt.NewObject()
		return ob, ctx.writeStructFields(rt, ob, val)
	case reflect.Array, reflect.Slice:
		arrayBuffer := false
		for _, tag := range tags {
			if strings.TrimSpace(tag) == "arraybuffer" {
				arrayBuffer = true
			}
		}

		if arrayBuffer && val.Kind() == reflect.Slice && val.Type().Elem().Kind() == reflect.Uint8 {
			// Special case for byte array -> arraybuffer
			buf := make([]byte, val.Len())
			copy(buf, val.Bytes())
			return rt.ToValue(rt.NewArrayBuffer(buf)), nil
		}
		items := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			v, err := ctx.create(rt, val.Index(i), nil)
			if err != nil {
				return nil, fmt.Errorf("index %d: %v", i, err)
			}
			items[i] = v
		}
		return rt.NewArray(items...), nil
	}
	panic("Unknown kind!")
}

func (ctx *Context) writeStructFields(rt *goja.Runtime, ob *goja.Object, val reflect.Value) error {
	t := val.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := getJsName(f.Name, f.Tag.Get("json"))
		if name == "" {
			continue // skip field with tag `json:"-"`
		}

		// Inline embedded fields.
		if f.Anonymous {
			sub := val.Field(i)
			for sub.Kind() == reflect.Ptr && !sub.IsNil() {
				sub = sub.Elem()
			}

			if sub.Kind() == reflect.Struct {
				err := ctx.writeStructFields(rt, ob, sub)
				if err != nil {
					return fmt.Errorf("Writing embedded field %q: %v", f.Name, err)
				}
				continue
			}
		}

		if !unicode.IsUpper(rune(f.Name[0])) {
			continue // skip unexported fields
		}

		jsTags := strings.Split(f.Tag.Get("js"), ",")
		v, err := ctx.create(rt, val.Field(i), jsTags)
		if err != nil {
			return fmt.Errorf("field %q: %v", f.Name, err)
		}
		if err := ob.Set(name, v); err != nil {
			return err
		}
	}

	// Also export any methods of the struct that match the callback type.
	for i := 0; i < t.NumMethod(); i++ {
		name := t.Method(i).Name
		if !unicode.IsUpper(rune(name[0])) {
			continue // skip unexported values
		}

		m := val.Method(i)
		if m.Type().ConvertibleTo(callbackType) {
			v, err := ctx.create(rt, m, nil)
			if err != nil {
				return fmt.Errorf("method %q: %v", name, err)
			}
			if err := ob.Set(name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

type stringKeys []reflect.Value

func (s stringKeys) Len() int           { return len(s) }
func (s stringKeys) Swap(a, b int)      { s[a], s[b] = s[b], s[a] }
func (s stringKeys) Less(a, b int) bool { return s[a].String() < s[b].String() }
