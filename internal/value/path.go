package value

import (
	"strings"

	"github.com/roach88/substrate/internal/fault"
)

// ErrNotBytes is returned by GetRaw when the leaf is not Text or Bytes.
var ErrNotBytes = fault.New(fault.KindDecode, "leaf is not text or bytes")

// Merge merges other into into and returns the result.
//
// Map into Map merges key-wise: keys already in into keep their position
// and are merged recursively, new keys are appended in other's order.
// A Null other leaves into unchanged. Any other combination replaces
// into with other (Arrays are replaced, not merged element-wise).
func Merge(into, other Value) Value {
	into, other = orNull(into), orNull(other)
	if _, ok := other.(Null); ok {
		return into
	}
	im, ok := into.(Map)
	if !ok {
		return other
	}
	om, ok := other.(Map)
	if !ok {
		return other
	}

	out := make(Map, len(im), len(im)+len(om))
	copy(out, im)
	for _, e := range om {
		if i := out.Index(e.Key); i >= 0 {
			out[i] = Entry{Key: e.Key, Value: Merge(out[i].Value, e.Value)}
			continue
		}
		out = append(out, Entry{Key: e.Key, Value: orNull(e.Value)})
	}
	return out
}

// GetPath descends v along path. An absent key or a Null on the way
// yields Null; a non-map on the way fails with fault.ErrNotAMap.
func GetPath(v Value, path []string) (Value, error) {
	cur := orNull(v)
	for i, key := range path {
		switch m := cur.(type) {
		case Null:
			return Null{}, nil
		case Map:
			next, ok := m.Get(key)
			if !ok {
				return Null{}, nil
			}
			cur = next
		default:
			return nil, notAMap(path[:i], cur)
		}
	}
	return cur, nil
}

// SetPath returns a copy of v with the value at path replaced by x.
//
// Null along the way becomes a single-entry Map; a Map missing the key
// gets a new entry appended. Any other variant on the way fails with
// fault.ErrNotAMap and v is left untouched.
func SetPath(v Value, path []string, x Value) (Value, error) {
	return setPath(v, path, 0, x)
}

func setPath(v Value, path []string, depth int, x Value) (Value, error) {
	if depth == len(path) {
		return orNull(x), nil
	}
	key := path[depth]

	switch m := orNull(v).(type) {
	case Null:
		child, err := setPath(Null{}, path, depth+1, x)
		if err != nil {
			return nil, err
		}
		return Map{{Key: key, Value: child}}, nil
	case Map:
		i := m.Index(key)
		var cur Value = Null{}
		if i >= 0 {
			cur = m[i].Value
		}
		child, err := setPath(cur, path, depth+1, x)
		if err != nil {
			return nil, err
		}
		out := make(Map, len(m), len(m)+1)
		copy(out, m)
		if i >= 0 {
			out[i] = Entry{Key: key, Value: child}
		} else {
			out = append(out, Entry{Key: key, Value: child})
		}
		return out, nil
	default:
		return nil, notAMap(path[:depth], m)
	}
}

// GetRaw returns the bytes of the Text or Bytes leaf at path.
func GetRaw(v Value, path []string) ([]byte, error) {
	leaf, err := GetPath(v, path)
	if err != nil {
		return nil, err
	}
	switch x := leaf.(type) {
	case Text:
		return []byte(x), nil
	case Bytes:
		out := make([]byte, len(x))
		copy(out, x)
		return out, nil
	default:
		return nil, &fault.Error{
			Kind:    fault.KindDecode,
			Message: "get raw " + strings.Join(path, "/"),
			Err:     fault.Newf(fault.KindDecode, "leaf is %s, not text or bytes", TypeName(leaf)),
		}
	}
}

// Parse coerces a textual leaf: "true" and "false" become Bool, anything
// that parses as a 128-bit integer becomes Int, everything else is Text.
func Parse(s string) Value {
	switch s {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if i, ok := ParseInt(s); ok {
		return i
	}
	return Text(s)
}

// Wrap nests x inside single-entry maps along path, so that
// Merge(root, Wrap(path, x)) merges x at path.
func Wrap(path []string, x Value) Value {
	out := orNull(x)
	for i := len(path) - 1; i >= 0; i-- {
		out = Map{{Key: path[i], Value: out}}
	}
	return out
}

func notAMap(at []string, found Value) error {
	where := "/" + strings.Join(at, "/")
	return fault.Newf(fault.KindNotAMap, "not a map at %q (found %s)", where, TypeName(found))
}
