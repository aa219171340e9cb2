package value

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MarshalJSON renders v as JSON for display. Map order is preserved,
// integers are written as exact decimal literals and Bytes become base64
// strings, so the rendering is not reversible for Bytes.
func MarshalJSON(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalIndentJSON is MarshalJSON with two-space indentation.
func MarshalIndentJSON(v Value) ([]byte, error) {
	b, err := MarshalJSON(v)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, b, "", "  "); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// MarshalJSON implements json.Marshaler for Int.
func (i Int) MarshalJSON() ([]byte, error) {
	return []byte(i.String()), nil
}

// MarshalJSON implements json.Marshaler for Map, keeping entry order.
func (m Map) MarshalJSON() ([]byte, error) {
	return MarshalJSON(m)
}

// MarshalJSON implements json.Marshaler for Array.
func (a Array) MarshalJSON() ([]byte, error) {
	return MarshalJSON(a)
}

func writeJSON(buf *bytes.Buffer, v Value) error {
	switch x := orNull(v).(type) {
	case Null:
		buf.WriteString("null")
	case Bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case Int:
		buf.WriteString(x.String())
	case Text:
		return writeJSONString(buf, string(x))
	case Bytes:
		return writeJSONString(buf, base64.StdEncoding.EncodeToString(x))
	case Array:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSON(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Map:
		buf.WriteByte('{')
		for i, e := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONString(buf, e.Key); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeJSON(buf, e.Value); err != nil {
				return fmt.Errorf("map[%q]: %w", e.Key, err)
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("unknown value type: %T", v)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder adds a trailing newline
	buf.Truncate(buf.Len() - 1)
	return nil
}
