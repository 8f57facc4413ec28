package keyres

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// elemEscaper keeps joined slice elements apart: ["a,b"] and ["a","b"] must
// not produce the same key.
var elemEscaper = strings.NewReplacer(`\`, `\\`, `,`, `\,`)

func lookup(args Args, path []string) (any, error) {
	cur, ok := args[path[0]]
	if !ok {
		return nil, &UnresolvedReferenceError{Name: path[0]}
	}
	for i := 1; i < len(path); i++ {
		next, ok := field(cur, path[i])
		if !ok {
			return nil, &UnresolvedReferenceError{Name: strings.Join(path[:i+1], ".")}
		}
		cur = next
	}
	return cur, nil
}

func field(v any, name string) (any, bool) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		rt := rv.Type()
		if sf, ok := rt.FieldByName(name); ok && sf.IsExported() && len(sf.Index) == 1 {
			return rv.Field(sf.Index[0]).Interface(), true
		}
		for i := 0; i < rt.NumField(); i++ {
			sf := rt.Field(i)
			if sf.IsExported() && strings.EqualFold(sf.Name, name) {
				return rv.Field(i).Interface(), true
			}
		}
	case reflect.Map:
		kt := rv.Type().Key()
		if kt.Kind() != reflect.String {
			return nil, false
		}
		mv := rv.MapIndex(reflect.ValueOf(name).Convert(kt))
		if mv.IsValid() {
			return mv.Interface(), true
		}
	}
	return nil, false
}

func render(name string, v any) (string, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return "", &UnsupportedValueError{Name: name, Type: "nil"}
	}
	// TextMarshaler goes first: time.Time's String carries a monotonic reading.
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case encoding.TextMarshaler:
		b, err := x.MarshalText()
		if err != nil {
			return "", &UnsupportedValueError{Name: name, Type: fmt.Sprintf("%T", v)}
		}
		return string(b), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	switch rv.Kind() {
	case reflect.Pointer:
		return render(name, rv.Elem().Interface())
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Float32:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 32), nil
	case reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return "", &UnsupportedValueError{Name: name, Type: "nil"}
		}
		parts := make([]string, rv.Len())
		for i := range parts {
			s, err := render(name, rv.Index(i).Interface())
			if err != nil {
				return "", err
			}
			parts[i] = elemEscaper.Replace(s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", &UnsupportedValueError{Name: name, Type: fmt.Sprintf("%T", v)}
}
