package toolhost

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"reflect"
	"strings"

	"github.com/nugget/deckforge/internal/protocol"
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
	rawMessageType    = reflect.TypeFor[json.RawMessage]()
)

// maxSanitizeDepth bounds nesting; deeper values are rejected rather
// than walked.
const maxSanitizeDepth = 1000

// ErrCyclicValue is returned by [Sanitize] for a value that refers back
// to itself or nests deeper than encoding can handle.
var ErrCyclicValue = errors.New("value is cyclic or too deeply nested")

// Sanitize walks a handler result and rewrites values that would not
// survive JSON encoding as intended: byte slices become tagged base64
// payloads, and opaque values (open files, file info, URLs, errors,
// Stringers) become their textual form. Structs are flattened to maps
// honoring json tags so nested byte slices are found too. Types that
// define their own JSON or text encoding are left alone. A value that
// contains itself yields an error wrapping [ErrCyclicValue].
func Sanitize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var s sanitizer
	return s.value(reflect.ValueOf(v))
}

// sanitizer tracks the pointers, maps and slices on the current path.
type sanitizer struct {
	depth int
	seen  map[visit]struct{}
}

type visit struct {
	ptr uintptr
	len int
	typ reflect.Type
}

// enter marks v as being walked; the returned func unmarks it.
func (s *sanitizer) enter(v reflect.Value) (func(), error) {
	s.depth++
	if s.depth > maxSanitizeDepth {
		s.depth--
		return nil, fmt.Errorf("%w: deeper than %d", ErrCyclicValue, maxSanitizeDepth)
	}
	var key visit
	switch v.Kind() {
	case reflect.Pointer, reflect.Map:
		key = visit{ptr: v.Pointer(), typ: v.Type()}
	case reflect.Slice:
		key = visit{ptr: v.Pointer(), len: v.Len(), typ: v.Type()}
	default:
		return func() { s.depth-- }, nil
	}
	if _, ok := s.seen[key]; ok {
		s.depth--
		return nil, fmt.Errorf("%w: %s refers to itself", ErrCyclicValue, v.Type())
	}
	if s.seen == nil {
		s.seen = make(map[visit]struct{})
	}
	s.seen[key] = struct{}{}
	return func() {
		delete(s.seen, key)
		s.depth--
	}, nil
}

func (s *sanitizer) value(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}
	if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface || v.Kind() == reflect.Map || v.Kind() == reflect.Slice) && v.IsNil() {
		return nil, nil
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case json.RawMessage:
			return x, nil
		case []byte:
			return protocol.EncodeBinary(x), nil
		case *os.File:
			return x.Name(), nil
		case fs.FileInfo:
			return x.Name(), nil
		case fs.DirEntry:
			return x.Name(), nil
		case *url.URL:
			return x.String(), nil
		}
		t := v.Type()
		if t != rawMessageType && (t.Implements(jsonMarshalerType) || t.Implements(textMarshalerType)) {
			return v.Interface(), nil
		}
		switch x := v.Interface().(type) {
		case error:
			return x.Error(), nil
		case interface{ String() string }:
			if v.Kind() != reflect.String {
				return x.String(), nil
			}
		}
	}

	leave, err := s.enter(v)
	if err != nil {
		return nil, err
	}
	defer leave()

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return s.value(v.Elem())
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return v.Interface(), nil
		}
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			elem, err := s.value(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = elem
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return protocol.EncodeBinary(b), nil
		}
		out := make([]any, v.Len())
		for i := range v.Len() {
			elem, err := s.value(v.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = elem
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		if err := s.structFields(v, out); err != nil {
			return nil, err
		}
		return out, nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		// Not representable; let the encoder report it.
		return v.Interface(), nil
	}
	if v.CanInterface() {
		return v.Interface(), nil
	}
	return nil, nil
}

// structFields copies exported fields into out using json tag names.
// Untagged embedded structs are flattened like encoding/json does.
func (s *sanitizer) structFields(v reflect.Value, out map[string]any) error {
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := v.Field(i)

		if f.Anonymous && name == "" {
			ev := fv
			leave := func() {}
			if ev.Kind() == reflect.Pointer {
				if ev.IsNil() {
					continue
				}
				var err error
				if leave, err = s.enter(ev); err != nil {
					return err
				}
				ev = ev.Elem()
			}
			if ev.Kind() == reflect.Struct {
				err := s.structFields(ev, out)
				leave()
				if err != nil {
					return err
				}
				continue
			}
			leave()
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		if strings.Contains(opts, "omitempty") && isEmpty(fv) {
			continue
		}
		elem, err := s.value(fv)
		if err != nil {
			return fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[name] = elem
	}
	return nil
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	}
	return v.IsZero()
}
