package source

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/spf13/cast"
)

// Args is the argument mapping a command is invoked with. Values are
// usually strings from the CLI, but mirroring passes decoded JSON values
// (lists, objects, numbers) through the same mapping.
type Args map[string]any

// ParseArgs builds Args from "key=value" pairs.
func ParseArgs(pairs []string) Args {
	args := make(Args, len(pairs))
	for _, p := range pairs {
		key, value, _ := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		args[key] = value
	}
	return args
}

// Has reports whether key is present with a non-empty value.
func (a Args) Has(key string) bool {
	v, ok := a[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// String returns the value of key as a string.
func (a Args) String(key string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return ""
	}
	return cast.ToString(v)
}

// Required returns the value of key, or a ValidationError when it is
// absent or empty.
func (a Args) Required(key string) (string, error) {
	if !a.Has(key) {
		return "", Validationf("", "Missing required argument: %s", key)
	}
	return a.String(key), nil
}

// StringOr returns the value of key, or def when it is absent or empty.
func (a Args) StringOr(key, def string) string {
	if !a.Has(key) {
		return def
	}
	return a.String(key)
}

// First returns the first non-empty value among keys.
func (a Args) First(keys ...string) string {
	for _, k := range keys {
		if a.Has(k) {
			return a.String(k)
		}
	}
	return ""
}

// Int returns the value of key as an int. Absent keys yield def; values
// that do not parse are a ValidationError.
func (a Args) Int(key string, def int) (int, error) {
	if !a.Has(key) {
		return def, nil
	}
	n, err := cast.ToIntE(strings.TrimSpace(a.String(key)))
	if err != nil {
		return 0, Validationf("", "%q must be a number, got %q", key, a.String(key))
	}
	return n, nil
}

// Bool returns the value of key as a bool, tolerating quoted values such as
// "\"true\"".
func (a Args) Bool(key string) bool {
	if !a.Has(key) {
		return false
	}
	if b, ok := a[key].(bool); ok {
		return b
	}
	s := strings.Trim(strings.TrimSpace(a.String(key)), `"`)
	return cast.ToBool(s)
}

// List returns the value of key as a list of strings. Lists pass through,
// JSON arrays are decoded, and anything else is split on commas.
func (a Args) List(key string) []string {
	if !a.Has(key) {
		return nil
	}
	switch v := a[key].(type) {
	case []string:
		return v
	case []any:
		return cast.ToStringSlice(v)
	}
	return SplitList(a.String(key))
}

// Keys returns the argument names in sorted order.
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SplitList parses a JSON array or a comma separated string.
func SplitList(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var items []any
		if json.Unmarshal([]byte(s), &items) == nil {
			return cast.ToStringSlice(items)
		}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
