package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/buger/jsonparser"
)

// Lookup returns the value at a dotted path (e.g. "fields.status.name") and
// whether it was present. JSON null is reported as present with a nil value.
func Lookup(raw []byte, path string) (any, bool) {
	value, dataType, _, err := jsonparser.Get(raw, splitPath(path)...)
	if err != nil || dataType == jsonparser.NotExist {
		return nil, false
	}
	return decode(value, dataType), true
}

// LookupString returns the value at path rendered as a string, or "".
func LookupString(raw []byte, path string) string {
	v, ok := Lookup(raw, path)
	if !ok || v == nil {
		return ""
	}
	return Stringify(v)
}

// LookupRaw returns the undecoded bytes at path.
func LookupRaw(raw []byte, path string) ([]byte, bool) {
	value, dataType, _, err := jsonparser.Get(raw, splitPath(path)...)
	if err != nil || dataType == jsonparser.NotExist || dataType == jsonparser.Null {
		return nil, false
	}
	return value, true
}

// EachInArray calls fn with the raw bytes of every element of the array at path.
func EachInArray(raw []byte, path string, fn func(elem []byte)) {
	_, _ = jsonparser.ArrayEach(raw, func(value []byte, dataType jsonparser.ValueType, _ int, err error) {
		if err != nil {
			return
		}
		fn(value)
	}, splitPath(path)...)
}

// ObjectKeys returns the keys of the object at path in document order.
func ObjectKeys(raw []byte, path string) []string {
	var keys []string
	_ = jsonparser.ObjectEach(raw, func(key, _ []byte, _ jsonparser.ValueType, _ int) error {
		keys = append(keys, string(key))
		return nil
	}, splitPath(path)...)
	return keys
}

func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

func decode(value []byte, dataType jsonparser.ValueType) any {
	switch dataType {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil {
			return string(value)
		}
		return s
	case jsonparser.Number:
		return json.Number(value)
	case jsonparser.Boolean:
		b, _ := jsonparser.ParseBoolean(value)
		return b
	case jsonparser.Null:
		return nil
	default:
		var v any
		if err := json.Unmarshal(value, &v); err != nil {
			return string(value)
		}
		return v
	}
}

// Stringify renders a decoded JSON value for a table cell.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case []string:
		return strings.Join(t, ",")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, Stringify(e))
		}
		return strings.Join(parts, ",")
	case map[string]any, *Record:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	default:
		return fmt.Sprint(t)
	}
}

// Field is one dotted-path extraction. Display and Context name the keys
// the value is written under in each variant; an empty name skips that
// variant. Render, when set, converts the raw value before it is written.
type Field struct {
	Path    string
	Display string
	Context string
	Render  func(v any, present bool) any
}

// Extraction is the pair of records produced from one pass over a document.
type Extraction struct {
	Display *Record
	Context *Record
}

// Extract applies fields to raw in order. Absent paths yield nil values.
func Extract(raw []byte, fields []Field) Extraction {
	out := Extraction{
		Display: NewRecord(),
		Context: NewRecord(),
	}
	for _, f := range fields {
		v, present := Lookup(raw, f.Path)
		if f.Render != nil {
			v = f.Render(v, present)
		}
		if f.Context != "" {
			out.Context.Set(f.Context, v)
		}
		if f.Display != "" {
			out.Display.Set(f.Display, v)
		}
	}
	return out
}

// UserRender renders a user object as "name(email)", substituting "null"
// for missing parts and "null(null)" for a missing user.
func UserRender(v any, present bool) any {
	user, ok := v.(map[string]any)
	if !present || !ok || len(user) == 0 {
		return "null(null)"
	}
	name, hasName := user["displayName"].(string)
	if !hasName {
		name = "null"
	}
	email, hasEmail := user["emailAddress"].(string)
	if !hasEmail {
		email = "null"
	}
	return name + "(" + email + ")"
}

// RecordOf converts the top-level object of raw into a Record, keeping
// document key order and numbers as json.Number.
func RecordOf(raw []byte) *Record {
	r := NewRecord()
	_ = jsonparser.ObjectEach(raw, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		r.Set(string(key), decode(value, dataType))
		return nil
	})
	return r
}

// Records converts a JSON array of objects, or a single object, into
// Records. Array elements that are not objects are skipped.
func Records(raw []byte) []*Record {
	value, dataType, _, err := jsonparser.Get(raw)
	if err != nil {
		return nil
	}
	switch dataType {
	case jsonparser.Object:
		return []*Record{RecordOf(value)}
	case jsonparser.Array:
		var out []*Record
		_, _ = jsonparser.ArrayEach(value, func(elem []byte, t jsonparser.ValueType, _ int, _ error) {
			if t == jsonparser.Object {
				out = append(out, RecordOf(elem))
			}
		})
		return out
	default:
		return nil
	}
}
