package sanitize

import (
	"bytes"
	"encoding"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// maxDepth bounds recursion into nested containers. Anything deeper is
// replaced by a marker string.
const maxDepth = 64

const (
	cycleMarker = "<cycle>"
	depthMarker = "<max depth exceeded>"
)

var valueType = reflect.TypeOf(Value{})

// Exporter is implemented by values that know how to flatten themselves
// into plain data (maps, slices, strings, numbers). Sanitize prefers
// Export over reflection for such values.
type Exporter interface {
	Export() any
}

// Sanitize converts x into a [Value]. It never panics: values it cannot
// represent structurally degrade to a textual description.
//
// Classification order:
//  1. nil, booleans, numbers and strings map directly.
//  2. Maps become map values (non-string keys are stringified).
//  3. Slices and arrays become lists.
//  4. [Exporter], json.Marshaler and encoding.TextMarshaler
//     implementations are asked to export themselves, and the result is
//     sanitized again.
//  5. Structs go through encoding/json.
//  6. Everything else (funcs, channels, errors, Stringers) becomes text.
//
// A Value passed in is returned unchanged, so Sanitize is idempotent.
func Sanitize(x any) (out Value) {
	defer func() {
		if r := recover(); r != nil {
			out = String(fmt.Sprintf("<%T>", x))
		}
	}()
	s := &sanitizer{active: make(map[visitKey]bool)}
	return s.any(x, 0)
}

// visitKey identifies a container on the current descent path.
type visitKey struct {
	ptr uintptr
	typ reflect.Type
}

type sanitizer struct {
	// active holds the containers currently being walked; meeting one
	// again means the structure refers back to itself.
	active map[visitKey]bool
}

func (s *sanitizer) any(x any, depth int) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case Value:
		return t
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Int(int64(t))
	case int8:
		return Int(int64(t))
	case int16:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint:
		return Uint(uint64(t))
	case uint8:
		return Uint(uint64(t))
	case uint16:
		return Uint(uint64(t))
	case uint32:
		return Uint(uint64(t))
	case uint64:
		return Uint(t)
	case float32:
		return floatBits(float64(t), 32)
	case float64:
		return floatBits(t, 64)
	case json.Number:
		return number(t)
	case []byte:
		return bytesValue(t)
	case map[string]any:
		if t == nil {
			return Null()
		}
	case []any:
		if t == nil {
			return Null()
		}
	}
	return s.reflect(reflect.ValueOf(x), depth)
}

func (s *sanitizer) reflect(rv reflect.Value, depth int) Value {
	if !rv.IsValid() {
		return Null()
	}
	if depth > maxDepth {
		return String(depthMarker)
	}
	if rv.Type() == valueType && rv.CanInterface() {
		return rv.Interface().(Value)
	}

	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Uint(rv.Uint())
	case reflect.Float32:
		return floatBits(rv.Float(), 32)
	case reflect.Float64:
		return floatBits(rv.Float(), 64)
	case reflect.String:
		// Named string types (json.Number included) keep their text.
		if rv.Type() == reflect.TypeOf(json.Number("")) {
			return number(json.Number(rv.String()))
		}
		return String(rv.String())
	case reflect.Interface:
		if rv.IsNil() {
			return Null()
		}
		return s.reflect(rv.Elem(), depth)
	case reflect.Map:
		return s.mapValue(rv, depth)
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytesValue(rv.Bytes())
		}
		return s.listValue(rv, depth)
	case reflect.Array:
		return s.listValue(rv, depth)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null()
		}
		if v, ok := s.exported(rv, depth); ok {
			return v
		}
		key := visitKey{ptr: rv.Pointer(), typ: rv.Type()}
		if s.active[key] {
			return String(cycleMarker)
		}
		s.active[key] = true
		defer delete(s.active, key)
		return s.reflect(rv.Elem(), depth+1)
	case reflect.Struct:
		if v, ok := s.exported(rv, depth); ok {
			return v
		}
		return s.viaJSON(rv, depth)
	}

	// Funcs, channels, unsafe pointers and complex numbers.
	if v, ok := s.exported(rv, depth); ok {
		return v
	}
	return String(describe(rv))
}

func (s *sanitizer) mapValue(rv reflect.Value, depth int) Value {
	if rv.IsNil() {
		return Null()
	}
	if v, ok := s.exported(rv, depth); ok {
		return v
	}
	key := visitKey{ptr: rv.Pointer(), typ: rv.Type()}
	if s.active[key] {
		return String(cycleMarker)
	}
	s.active[key] = true
	defer delete(s.active, key)

	out := make(map[string]Value, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[keyString(iter.Key())] = s.reflect(iter.Value(), depth+1)
	}
	return Value{kind: KindMap, m: out}
}

func (s *sanitizer) listValue(rv reflect.Value, depth int) Value {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			return Null()
		}
		if v, ok := s.exported(rv, depth); ok {
			return v
		}
		if rv.Len() > 0 {
			key := visitKey{ptr: rv.Pointer(), typ: rv.Type()}
			if s.active[key] {
				return String(cycleMarker)
			}
			s.active[key] = true
			defer delete(s.active, key)
		}
	}

	out := make([]Value, rv.Len())
	for i := range out {
		out[i] = s.reflect(rv.Index(i), depth+1)
	}
	return Value{kind: KindList, list: out}
}

// exported asks rv to flatten itself through one of the export
// interfaces. It reports false when rv implements none of them or the
// export failed.
func (s *sanitizer) exported(rv reflect.Value, depth int) (Value, bool) {
	if !rv.CanInterface() {
		return Value{}, false
	}
	x := rv.Interface()

	switch t := x.(type) {
	case Exporter:
		plain, err := safeCall(t.Export)
		if err != nil {
			return String(describe(rv)), true
		}
		if _, self := plain.(Exporter); self {
			// Export returning another exporter could loop forever.
			return s.reflectPlain(reflect.ValueOf(plain), depth+1), true
		}
		return s.any(plain, depth+1), true
	case json.Marshaler:
		v, err := s.decodeJSON(t.MarshalJSON, depth)
		if err != nil {
			return Value{}, false
		}
		return v, true
	case encoding.TextMarshaler:
		text, err := safeCall(func() any {
			b, err := t.MarshalText()
			if err != nil {
				return err
			}
			return string(b)
		})
		if err != nil {
			return Value{}, false
		}
		if str, ok := text.(string); ok {
			return String(str), true
		}
		return Value{}, false
	case error:
		return String(describe(rv)), true
	}
	return Value{}, false
}

// reflectPlain walks rv structurally without consulting export
// interfaces on the top-level value.
func (s *sanitizer) reflectPlain(rv reflect.Value, depth int) Value {
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return Null()
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return Null()
	}
	switch rv.Kind() {
	case reflect.Struct, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return String(describe(rv))
	}
	return s.reflect(rv, depth)
}

// viaJSON flattens a struct with encoding/json so field tags are honored.
// Structs the encoder rejects (cycles, func fields) become text.
func (s *sanitizer) viaJSON(rv reflect.Value, depth int) Value {
	if !rv.CanInterface() {
		return String(describe(rv))
	}
	x := rv.Interface()
	v, err := s.decodeJSON(func() ([]byte, error) { return json.Marshal(x) }, depth)
	if err != nil {
		if str, ok := x.(fmt.Stringer); ok {
			if text, err := safeCall(func() any { return str.String() }); err == nil {
				if ts, ok := text.(string); ok {
					return String(ts)
				}
			}
		}
		return String(describe(rv))
	}
	return v
}

func (s *sanitizer) decodeJSON(marshal func() ([]byte, error), depth int) (Value, error) {
	raw, err := safeCall(func() any {
		b, err := marshal()
		if err != nil {
			return err
		}
		return b
	})
	if err != nil {
		return Value{}, err
	}
	data, _ := raw.([]byte)

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var plain any
	if err := dec.Decode(&plain); err != nil {
		return Value{}, err
	}
	// Decoded JSON is acyclic and made only of plain types.
	return s.any(plain, depth+1), nil
}

// safeCall runs fn, converting a panic or a returned error into an error.
func safeCall[T any](fn func() T) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res := any(fn())
	if e, ok := res.(error); ok {
		return nil, e
	}
	return res, nil
}

// describe produces text for values with no structural form. It never
// walks into containers, so it is safe on self-referencing data.
func describe(rv reflect.Value) string {
	if rv.CanInterface() {
		switch t := rv.Interface().(type) {
		case error:
			if msg, err := safeCall(func() string { return t.Error() }); err == nil {
				return msg.(string)
			}
		case fmt.Stringer:
			if msg, err := safeCall(func() string { return t.String() }); err == nil {
				return msg.(string)
			}
		}
	}
	switch rv.Kind() {
	case reflect.Complex64, reflect.Complex128:
		return strconv.FormatComplex(rv.Complex(), 'g', -1, 128)
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return fmt.Sprintf("<%s nil>", rv.Type())
		}
		return fmt.Sprintf("<%s>", rv.Type())
	}
	return fmt.Sprintf("<%s>", rv.Type())
}

func keyString(k reflect.Value) string {
	switch k.Kind() {
	case reflect.String:
		return k.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(k.Uint(), 10)
	case reflect.Bool:
		return strconv.FormatBool(k.Bool())
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(k.Float(), 'g', -1, 64)
	}
	if k.CanInterface() {
		if tm, ok := k.Interface().(encoding.TextMarshaler); ok {
			if b, err := tm.MarshalText(); err == nil {
				return string(b)
			}
		}
	}
	return describe(k)
}

func floatBits(f float64, bits int) Value {
	switch {
	case math.IsNaN(f):
		return String("NaN")
	case math.IsInf(f, 1):
		return String("+Inf")
	case math.IsInf(f, -1):
		return String("-Inf")
	}
	return Value{kind: KindNumber, s: strconv.FormatFloat(f, 'g', -1, bits)}
}

// number keeps valid JSON number text and demotes anything else to a
// string.
func number(n json.Number) Value {
	if json.Valid([]byte(n)) {
		if _, err := strconv.ParseFloat(string(n), 64); err == nil {
			return Value{kind: KindNumber, s: string(n)}
		}
	}
	return String(string(n))
}

func bytesValue(b []byte) Value {
	if b == nil {
		return Null()
	}
	if utf8.Valid(b) {
		return String(string(b))
	}
	return String(base64.StdEncoding.EncodeToString(b))
}
