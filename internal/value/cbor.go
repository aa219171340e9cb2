package value

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/roach88/substrate/internal/fault"
)

// CBOR major types.
const (
	majorUint   = 0
	majorNegInt = 1
	majorBytes  = 2
	majorText   = 3
	majorArray  = 4
	majorMap    = 5
	majorTag    = 6
	majorSimple = 7
)

const (
	tagPosBignum = 2
	tagNegBignum = 3

	simpleFalse     = 20
	simpleTrue      = 21
	simpleNull      = 22
	simpleUndefined = 23

	breakByte = 0xff
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic("value: cbor enc mode: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
		UTF8:      cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("value: cbor dec mode: " + err.Error())
	}
}

// MarshalCBOR encodes v as a self-describing CBOR item.
//
// Maps are written in their own order (not canonical key order) so that
// a decode round trip preserves insertion order. Integers that do not fit
// 64 bits use bignum tags 2 and 3.
func MarshalCBOR(v Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalCBOR decodes exactly one CBOR item into a Value.
func UnmarshalCBOR(data []byte) (Value, error) {
	var raw cbor.RawMessage
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fault.Decode("decode value", err)
	}
	return decodeRaw(raw)
}

func encode(buf *bytes.Buffer, v Value) error {
	switch x := orNull(v).(type) {
	case Null:
		buf.WriteByte(majorSimple<<5 | simpleNull)
	case Bool:
		if x {
			buf.WriteByte(majorSimple<<5 | simpleTrue)
		} else {
			buf.WriteByte(majorSimple<<5 | simpleFalse)
		}
	case Int:
		encodeInt(buf, x)
	case Text:
		if !utf8.ValidString(string(x)) {
			return fault.New(fault.KindDecode, "text value is not valid UTF-8")
		}
		return marshalLeaf(buf, string(x))
	case Bytes:
		writeHead(buf, majorBytes, uint64(len(x)))
		buf.Write(x)
	case Array:
		writeHead(buf, majorArray, uint64(len(x)))
		for i, elem := range x {
			if err := encode(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
	case Map:
		if k, dup := x.DuplicateKey(); dup {
			return fault.Newf(fault.KindDecode, "duplicate map key %q", k)
		}
		writeHead(buf, majorMap, uint64(len(x)))
		for _, e := range x {
			if err := marshalLeaf(buf, e.Key); err != nil {
				return fmt.Errorf("map key %q: %w", e.Key, err)
			}
			if err := encode(buf, e.Value); err != nil {
				return fmt.Errorf("map[%q]: %w", e.Key, err)
			}
		}
	default:
		return fault.Newf(fault.KindUnhandled, "unknown value type %T", v)
	}
	return nil
}

func marshalLeaf(buf *bytes.Buffer, v any) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		return fault.Wrap(fault.KindDecode, "encode leaf", err)
	}
	buf.Write(b)
	return nil
}

func encodeInt(buf *bytes.Buffer, i Int) {
	if u, ok := i.Uint64(); ok {
		writeHead(buf, majorUint, u)
		return
	}
	// Negative integers are encoded as -1-n.
	n := new(big.Int).Neg(i.Big())
	n.Sub(n, big.NewInt(1))
	if i.Sign() < 0 && n.IsUint64() {
		writeHead(buf, majorNegInt, n.Uint64())
		return
	}
	if i.Sign() < 0 {
		buf.WriteByte(majorTag<<5 | tagNegBignum)
		mag := n.Bytes()
		writeHead(buf, majorBytes, uint64(len(mag)))
		buf.Write(mag)
		return
	}
	buf.WriteByte(majorTag<<5 | tagPosBignum)
	mag := i.Big().Bytes()
	writeHead(buf, majorBytes, uint64(len(mag)))
	buf.Write(mag)
}

func writeHead(buf *bytes.Buffer, major byte, n uint64) {
	m := major << 5
	switch {
	case n < 24:
		buf.WriteByte(m | byte(n))
	case n <= 0xff:
		buf.WriteByte(m | 24)
		buf.WriteByte(byte(n))
	case n <= 0xffff:
		buf.WriteByte(m | 25)
		_ = binary.Write(buf, binary.BigEndian, uint16(n))
	case n <= 0xffffffff:
		buf.WriteByte(m | 26)
		_ = binary.Write(buf, binary.BigEndian, uint32(n))
	default:
		buf.WriteByte(m | 27)
		_ = binary.Write(buf, binary.BigEndian, n)
	}
}

// readHead parses the initial byte and argument of a CBOR item.
// size is the number of bytes the head occupies.
func readHead(b []byte) (arg uint64, size int, indefinite bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, fault.New(fault.KindDecode, "empty cbor item")
	}
	info := b[0] & 0x1f
	switch {
	case info < 24:
		return uint64(info), 1, false, nil
	case info == 24:
		size = 2
	case info == 25:
		size = 3
	case info == 26:
		size = 5
	case info == 27:
		size = 9
	case info == 31:
		return 0, 1, true, nil
	default:
		return 0, 0, false, fault.Newf(fault.KindDecode, "reserved cbor additional info %d", info)
	}
	if len(b) < size {
		return 0, 0, false, fault.New(fault.KindDecode, "truncated cbor head")
	}
	for _, c := range b[1:size] {
		arg = arg<<8 | uint64(c)
	}
	return arg, size, false, nil
}

func decodeRaw(raw cbor.RawMessage) (Value, error) {
	if len(raw) == 0 {
		return nil, fault.New(fault.KindDecode, "empty cbor item")
	}
	major := raw[0] >> 5
	info := raw[0] & 0x1f

	switch major {
	case majorUint, majorNegInt:
		arg, _, _, err := readHead(raw)
		if err != nil {
			return nil, err
		}
		if major == majorUint {
			return NewUint(arg), nil
		}
		n := new(big.Int).SetUint64(arg)
		n.Neg(n).Sub(n, big.NewInt(1))
		i, _ := IntFromBig(n)
		return i, nil

	case majorBytes:
		var b []byte
		if err := decMode.Unmarshal(raw, &b); err != nil {
			return nil, fault.Decode("decode bytes", err)
		}
		if b == nil {
			b = []byte{}
		}
		return Bytes(b), nil

	case majorText:
		var s string
		if err := decMode.Unmarshal(raw, &s); err != nil {
			return nil, fault.Decode("decode text", err)
		}
		return Text(s), nil

	case majorArray:
		var items []cbor.RawMessage
		if err := decMode.Unmarshal(raw, &items); err != nil {
			return nil, fault.Decode("decode array", err)
		}
		arr := make(Array, len(items))
		for i, item := range items {
			v, err := decodeRaw(item)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = v
		}
		return arr, nil

	case majorMap:
		return decodeMap(raw)

	case majorTag:
		return decodeBignum(raw)

	case majorSimple:
		switch info {
		case simpleFalse:
			return Bool(false), nil
		case simpleTrue:
			return Bool(true), nil
		case simpleNull, simpleUndefined:
			return Null{}, nil
		case 25, 26, 27:
			return nil, fault.New(fault.KindDecode, "floating point values are not supported")
		default:
			return nil, fault.Newf(fault.KindDecode, "unsupported cbor simple value %d", info)
		}
	}
	return nil, fault.Newf(fault.KindDecode, "unsupported cbor major type %d", major)
}

// decodeMap walks the map item entry by entry so that key order survives.
func decodeMap(raw cbor.RawMessage) (Value, error) {
	n, size, indefinite, err := readHead(raw)
	if err != nil {
		return nil, err
	}
	body := raw[size:]
	dec := decMode.NewDecoder(bytes.NewReader(body))

	m := Map{}
	seen := make(map[string]struct{})
	for i := uint64(0); indefinite || i < n; i++ {
		if indefinite {
			off := dec.NumBytesRead()
			if off >= len(body) {
				return nil, fault.New(fault.KindDecode, "unterminated indefinite map")
			}
			if body[off] == breakByte {
				break
			}
		}
		var key string
		if err := dec.Decode(&key); err != nil {
			if err == io.EOF {
				return nil, fault.New(fault.KindDecode, "truncated map")
			}
			return nil, fault.Decode("map key must be text", err)
		}
		if _, dup := seen[key]; dup {
			return nil, fault.Newf(fault.KindDecode, "duplicate map key %q", key)
		}
		seen[key] = struct{}{}

		var item cbor.RawMessage
		if err := dec.Decode(&item); err != nil {
			return nil, fault.Decode(fmt.Sprintf("map[%q]", key), err)
		}
		v, err := decodeRaw(item)
		if err != nil {
			return nil, fmt.Errorf("map[%q]: %w", key, err)
		}
		m = append(m, Entry{Key: key, Value: v})
	}
	return m, nil
}

func decodeBignum(raw cbor.RawMessage) (Value, error) {
	tag, size, _, err := readHead(raw)
	if err != nil {
		return nil, err
	}
	if tag != tagPosBignum && tag != tagNegBignum {
		return nil, fault.Newf(fault.KindDecode, "unsupported cbor tag %d", tag)
	}
	var mag []byte
	if err := decMode.Unmarshal(raw[size:], &mag); err != nil {
		return nil, fault.Decode("decode bignum", err)
	}
	n := new(big.Int).SetBytes(mag)
	if tag == tagNegBignum {
		n.Neg(n).Sub(n, big.NewInt(1))
	}
	i, ok := IntFromBig(n)
	if !ok {
		return nil, fault.Newf(fault.KindDecode, "integer %s out of 128-bit range", n)
	}
	return i, nil
}
