// Package format turns vendor JSON into flat records and markdown tables.
package format

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Record is a flat mapping that remembers insertion order, so columns render
// in the order fields were extracted and serialized outputs stay stable.
type Record = orderedmap.OrderedMap[string, any]

// NewRecord builds a Record from alternating key/value arguments.
func NewRecord(kv ...any) *Record {
	r := orderedmap.New[string, any]()
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		r.Set(key, kv[i+1])
	}
	return r
}

// Keys returns the record keys in insertion order.
func Keys(r *Record) []string {
	keys := make([]string, 0, r.Len())
	for p := r.Oldest(); p != nil; p = p.Next() {
		keys = append(keys, p.Key)
	}
	return keys
}

// Merge copies every pair of src into dst, preserving src order for new keys.
func Merge(dst, src *Record) {
	for p := src.Oldest(); p != nil; p = p.Next() {
		dst.Set(p.Key, p.Value)
	}
}

// ToMap flattens a record into a plain map.
func ToMap(r *Record) map[string]any {
	m := make(map[string]any, r.Len())
	for p := r.Oldest(); p != nil; p = p.Next() {
		m[p.Key] = p.Value
	}
	return m
}
