package jsengine

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/dop251/goja"
)

// Kind is a classification of javascript values. A value usually belongs to
// several kinds, e.g. every array is also an object.
type Kind uint8

// Value kinds
const (
	KindUndefined Kind = iota
	KindNull
	KindTrue
	KindFalse
	KindName
	KindString
	KindSymbol
	KindFunction
	KindArray
	KindObject
	KindBoolean
	KindNumber
	KindInt32
	KindDate
	KindArgumentsObject
	KindBooleanObject
	KindNumberObject
	KindStringObject
	KindSymbolObject
	KindNativeError
	KindRegExp
	KindPromise
	KindMap
	KindSet
	KindWeakMap
	KindWeakSet
	KindArrayBuffer
	KindProxy
	kNumKinds
)

var kindStrings = [kNumKinds]string{
	"Undefined", "Null", "True", "False", "Name", "String", "Symbol",
	"Function", "Array", "Object", "Boolean", "Number", "Int32", "Date",
	"ArgumentsObject", "BooleanObject", "NumberObject", "StringObject",
	"SymbolObject", "NativeError", "RegExp", "Promise", "Map", "Set",
	"WeakMap", "WeakSet", "ArrayBuffer", "Proxy",
}

func (k Kind) String() string {
	if k >= kNumKinds {
		return fmt.Sprintf("NoSuchKind:%d", int(k))
	}
	return kindStrings[k]
}

// Object classes that map onto a single extra kind.
var classKinds = map[string]Kind{
	"Function":    KindFunction,
	"Array":       KindArray,
	"Date":        KindDate,
	"RegExp":      KindRegExp,
	"Error":       KindNativeError,
	"Promise":     KindPromise,
	"Map":         KindMap,
	"Set":         KindSet,
	"WeakMap":     KindWeakMap,
	"WeakSet":     KindWeakSet,
	"ArrayBuffer": KindArrayBuffer,
	"Arguments":   KindArgumentsObject,
	"Boolean":     KindBooleanObject,
	"Number":      KindNumberObject,
	"String":      KindStringObject,
	"Symbol":      KindSymbolObject,
	"Proxy":       KindProxy,
}

type kindMask uint64

func mask(kinds ...Kind) kindMask {
	var m kindMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

func (m kindMask) Is(k Kind) bool { return m&(1<<uint(k)) != 0 }

func (m kindMask) kinds() []Kind {
	var out []Kind
	for k := Kind(0); k < kNumKinds; k++ {
		if m.Is(k) {
			out = append(out, k)
		}
	}
	return out
}

func (m kindMask) String() string {
	var names []string
	for _, k := range m.kinds() {
		names = append(names, k.String())
	}
	return "[" + strings.Join(names, ",") + "]"
}

// kindsOf classifies an engine value.
func kindsOf(v goja.Value) kindMask {
	switch {
	case v == nil || goja.IsUndefined(v):
		return mask(KindUndefined)
	case goja.IsNull(v):
		return mask(KindNull)
	}

	switch val := v.(type) {
	case *goja.Symbol:
		return mask(KindName, KindSymbol)
	case *goja.Object:
		m := mask(KindObject)
		if k, ok := classKinds[val.ClassName()]; ok {
			m |= mask(k)
		}
		if _, ok := goja.AssertFunction(val); ok {
			m |= mask(KindFunction)
		}
		return m
	}

	t := v.ExportType()
	if t == nil {
		return 0
	}
	switch t.Kind() {
	case reflect.Bool:
		if v.ToBoolean() {
			return mask(KindBoolean, KindTrue)
		}
		return mask(KindBoolean, KindFalse)
	case reflect.String:
		return mask(KindName, KindString)
	case reflect.Int64:
		if i := v.ToInteger(); i >= math.MinInt32 && i <= math.MaxInt32 {
			return mask(KindNumber, KindInt32)
		}
		return mask(KindNumber)
	case reflect.Float64:
		f := v.ToFloat()
		if f == math.Trunc(f) && f >= math.MinInt32 && f <= math.MaxInt32 && !(f == 0 && math.Signbit(f)) {
			return mask(KindNumber, KindInt32)
		}
		return mask(KindNumber)
	}
	return 0
}
