// Package textprint renders values as aligned text tables and plain text
// listings for terminal output.
package textprint

import (
	"cmp"
	"fmt"
	"io"
	"reflect"
	"slices"
)

type encodeFunc func(io.Writer, reflect.Value) error

func encodeBool(w io.Writer, v reflect.Value) error {
	_, err := fmt.Fprintf(w, "%t", v.Bool())
	return err
}

func encodeInt(w io.Writer, v reflect.Value) error {
	_, err := fmt.Fprintf(w, "%d", v.Int())
	return err
}

func encodeUint(w io.Writer, v reflect.Value) error {
	_, err := fmt.Fprintf(w, "%d", v.Uint())
	return err
}

func encodeFloat(w io.Writer, v reflect.Value) error {
	_, err := fmt.Fprintf(w, "%.3f", v.Float())
	return err
}

func encodeString(w io.Writer, v reflect.Value) error {
	if v.Len() == 0 {
		_, err := io.WriteString(w, "-")
		return err
	}
	_, err := io.WriteString(w, v.String())
	return err
}

func encodeFormatter(w io.Writer, v reflect.Value) error {
	_, err := fmt.Fprintf(w, "%v", v.Interface())
	return err
}

var (
	formatterType = reflect.TypeOf((*fmt.Formatter)(nil)).Elem()
	stringerType  = reflect.TypeOf((*fmt.Stringer)(nil)).Elem()
)

func encodeFuncOf(t reflect.Type) encodeFunc {
	if t.Implements(formatterType) || t.Implements(stringerType) {
		return encodeFormatter
	}
	switch t.Kind() {
	case reflect.Bool:
		return encodeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeInt
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return encodeUint
	case reflect.Float32, reflect.Float64:
		return encodeFloat
	case reflect.String:
		return encodeString
	case reflect.Pointer:
		return encodeFuncOfPointer(t.Elem())
	case reflect.Slice:
		return encodeFuncOfSlice(t.Elem())
	case reflect.Map:
		return encodeFuncOfMap(t.Key(), t.Elem())
	default:
		panic("cannot encode values of type " + t.String())
	}
}

func encodeFuncOfPointer(t reflect.Type) encodeFunc {
	encode := encodeFuncOf(t)
	return func(w io.Writer, v reflect.Value) error {
		if v.IsNil() {
			_, err := io.WriteString(w, "(none)")
			return err
		}
		return encode(w, v.Elem())
	}
}

func encodeFuncOfSlice(t reflect.Type) encodeFunc {
	encode := encodeFuncOf(t)
	return func(w io.Writer, v reflect.Value) error {
		for i, n := 0, v.Len(); i < n; i++ {
			if i != 0 {
				if _, err := io.WriteString(w, ", "); err != nil {
					return err
				}
			}
			if err := encode(w, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}
}

func encodeFuncOfMap(key, val reflect.Type) encodeFunc {
	compare := cmpFuncOf(key)
	encodeKey := encodeFuncOf(key)
	encodeVal := encodeFuncOf(val)
	return func(w io.Writer, v reflect.Value) error {
		keys := v.MapKeys()
		slices.SortFunc(keys, compare)

		for i, key := range keys {
			if i != 0 {
				if _, err := io.WriteString(w, ", "); err != nil {
					return err
				}
			}
			if err := encodeKey(w, key); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ":"); err != nil {
				return err
			}
			if err := encodeVal(w, v.MapIndex(key)); err != nil {
				return err
			}
		}
		return nil
	}
}

func encodeFuncOfStructField(t reflect.Type, index []int) encodeFunc {
	encode := encodeFuncOf(t)
	return func(w io.Writer, v reflect.Value) error {
		return encode(w, v.FieldByIndex(index))
	}
}

func cmpFuncOf(t reflect.Type) func(reflect.Value, reflect.Value) int {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(v1, v2 reflect.Value) int { return cmp.Compare(v1.Int(), v2.Int()) }
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return func(v1, v2 reflect.Value) int { return cmp.Compare(v1.Uint(), v2.Uint()) }
	case reflect.String:
		return func(v1, v2 reflect.Value) int { return cmp.Compare(v1.String(), v2.String()) }
	default:
		panic("cannot compare values of type " + t.String())
	}
}
