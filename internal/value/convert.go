package value

import (
	"fmt"
	"math/big"
	"sort"
)

// FromGo converts a plain Go value to a Value.
//
// Supported: nil, bool, signed and unsigned integers, *big.Int, string,
// []byte, []any, map[string]any and Value itself. Go maps have no order,
// so map[string]any entries are sorted by key.
func FromGo(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return NewInt(int64(x)), nil
	case int8:
		return NewInt(int64(x)), nil
	case int16:
		return NewInt(int64(x)), nil
	case int32:
		return NewInt(int64(x)), nil
	case int64:
		return NewInt(x), nil
	case uint:
		return NewUint(uint64(x)), nil
	case uint8:
		return NewUint(uint64(x)), nil
	case uint16:
		return NewUint(uint64(x)), nil
	case uint32:
		return NewUint(uint64(x)), nil
	case uint64:
		return NewUint(x), nil
	case *big.Int:
		i, ok := IntFromBig(x)
		if !ok {
			return nil, fmt.Errorf("integer %s out of 128-bit range", x)
		}
		return i, nil
	case string:
		return Text(x), nil
	case []byte:
		return Bytes(x), nil
	case []any:
		arr := make(Array, len(x))
		for i, elem := range x {
			ev, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = ev
		}
		return arr, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := make(Map, 0, len(x))
		for _, k := range keys {
			ev, err := FromGo(x[k])
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			m = append(m, Entry{Key: k, Value: ev})
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// MustFromGo is FromGo that panics on error. Intended for tests and
// literals.
func MustFromGo(v any) Value {
	out, err := FromGo(v)
	if err != nil {
		panic(err)
	}
	return out
}
