package value

import (
	"bytes"
	"fmt"
)

// Value is a sealed interface over the structured value variants.
// Only Null, Bool, Int, Text, Bytes, Map and Array implement it.
//
// Values are treated as immutable: every operation in this package
// returns a fresh Map or Array instead of editing the one it was given.
// A nil Value is read as Null.
type Value interface {
	value() // Sealed
}

// Null is the absent value.
type Null struct{}

func (Null) value() {}

// Bool is a boolean leaf.
type Bool bool

func (Bool) value() {}

// Text is a UTF-8 string leaf.
type Text string

func (Text) value() {}

// Bytes is an arbitrary octet leaf.
type Bytes []byte

func (Bytes) value() {}

// Entry is one key/value pair of a Map.
type Entry struct {
	Key   string
	Value Value
}

// Map is an ordered sequence of entries. Insertion order is observable
// and preserved by Merge. Lookups return the first matching key.
type Map []Entry

func (Map) value() {}

// Array is an ordered sequence of values.
type Array []Value

func (Array) value() {}

// E is a shorthand for Entry for ergonomic construction.
// Example: NewMap(E("config", NewMap(E("hi", Text("hello")))))
func E(key string, v Value) Entry {
	return Entry{Key: key, Value: v}
}

// NewMap creates a Map from entries in the given order.
func NewMap(entries ...Entry) Map {
	m := make(Map, len(entries))
	copy(m, entries)
	return m
}

// NewArray creates an Array from values.
func NewArray(vals ...Value) Array {
	a := make(Array, len(vals))
	copy(a, vals)
	return a
}

// Index returns the position of the first entry with key, or -1.
func (m Map) Index(key string) int {
	for i, e := range m {
		if e.Key == key {
			return i
		}
	}
	return -1
}

// Get returns the value of the first entry with key.
func (m Map) Get(key string) (Value, bool) {
	if i := m.Index(key); i >= 0 {
		return orNull(m[i].Value), true
	}
	return Null{}, false
}

// Keys returns the keys in map order.
func (m Map) Keys() []string {
	keys := make([]string, len(m))
	for i, e := range m {
		keys[i] = e.Key
	}
	return keys
}

// DuplicateKey returns the first key that appears twice, if any.
func (m Map) DuplicateKey() (string, bool) {
	seen := make(map[string]struct{}, len(m))
	for _, e := range m {
		if _, ok := seen[e.Key]; ok {
			return e.Key, true
		}
		seen[e.Key] = struct{}{}
	}
	return "", false
}

// IsNull reports whether v is Null (or nil).
func IsNull(v Value) bool {
	_, ok := orNull(v).(Null)
	return ok
}

// TypeName returns a short lowercase name of v's variant, for messages.
func TypeName(v Value) string {
	switch orNull(v).(type) {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Int:
		return "integer"
	case Text:
		return "text"
	case Bytes:
		return "bytes"
	case Map:
		return "map"
	case Array:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Equal reports structural equality. Map equality is order-sensitive.
func Equal(a, b Value) bool {
	a, b = orNull(a), orNull(b)
	switch x := a.(type) {
	case Null:
		_, ok := b.(Null)
		return ok
	case Bool:
		y, ok := b.(Bool)
		return ok && x == y
	case Int:
		y, ok := b.(Int)
		return ok && x == y
	case Text:
		y, ok := b.(Text)
		return ok && x == y
	case Bytes:
		y, ok := b.(Bytes)
		return ok && bytes.Equal(x, y)
	case Map:
		y, ok := b.(Map)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i].Key != y[i].Key || !Equal(x[i].Value, y[i].Value) {
				return false
			}
		}
		return true
	case Array:
		y, ok := b.(Array)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func orNull(v Value) Value {
	if v == nil {
		return Null{}
	}
	return v
}
