package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/value"
)

// Load reads a configuration file into a value tree. Files ending in
// .cue are evaluated as CUE; anything else is parsed as YAML. Key order
// is preserved in both cases.
func Load(path string) (value.Value, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.IO("read config "+path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".cue") {
		return ParseCUE(path, data)
	}
	return ParseYAML(data)
}

// ParseYAML converts a YAML document. Floats are rejected; an empty
// document is Null.
func ParseYAML(data []byte) (value.Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fault.Decode("parse yaml", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return value.Null{}, nil
	}
	return fromYAML(doc.Content[0])
}

func fromYAML(n *yaml.Node) (value.Value, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return value.Null{}, nil
		}
		return fromYAML(n.Content[0])

	case yaml.AliasNode:
		return fromYAML(n.Alias)

	case yaml.MappingNode:
		m := make(value.Map, 0, len(n.Content)/2)
		for j := 0; j+1 < len(n.Content); j += 2 {
			k, v := n.Content[j], n.Content[j+1]
			if k.Kind != yaml.ScalarNode {
				return nil, yamlError(k, "map key must be a scalar")
			}
			if m.Index(k.Value) >= 0 {
				return nil, yamlError(k, "duplicate key "+k.Value)
			}
			x, err := fromYAML(v)
			if err != nil {
				return nil, err
			}
			m = append(m, value.E(k.Value, x))
		}
		return m, nil

	case yaml.SequenceNode:
		a := make(value.Array, 0, len(n.Content))
		for _, c := range n.Content {
			x, err := fromYAML(c)
			if err != nil {
				return nil, err
			}
			a = append(a, x)
		}
		return a, nil

	case yaml.ScalarNode:
		return yamlScalar(n)

	default:
		return nil, yamlError(n, "unsupported node")
	}
}

func yamlScalar(n *yaml.Node) (value.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return value.Null{}, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return nil, fault.Decode("yaml bool", err)
		}
		return value.Bool(b), nil
	case "!!int":
		if i, ok := value.ParseInt(strings.ReplaceAll(n.Value, "_", "")); ok {
			return i, nil
		}
		var i int64
		if err := n.Decode(&i); err != nil {
			return nil, fault.Decode("yaml int", err)
		}
		return value.NewInt(i), nil
	case "!!binary":
		var b []byte
		if err := n.Decode(&b); err != nil {
			return nil, fault.Decode("yaml binary", err)
		}
		return value.Bytes(b), nil
	case "!!float":
		// Integers past 64 bits resolve as floats.
		if i, ok := value.ParseInt(n.Value); ok {
			return i, nil
		}
		return nil, yamlError(n, "floats are not supported")
	default:
		return value.Text(n.Value), nil
	}
}

func yamlError(n *yaml.Node, msg string) error {
	return fault.Newf(fault.KindDecode, "yaml line %d: %s", n.Line, msg)
}

// ParseCUE evaluates a CUE source. The result must be concrete; struct
// fields keep their declaration order.
func ParseCUE(filename string, data []byte) (value.Value, error) {
	v := cuecontext.New().CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, fault.Decode("compile cue", err)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, fault.Decode("cue value is not concrete", err)
	}
	return fromCUE(v)
}

func fromCUE(v cue.Value) (value.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return value.Null{}, nil

	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, fault.Decode("cue bool", err)
		}
		return value.Bool(b), nil

	case cue.IntKind:
		b, err := v.Int(new(big.Int))
		if err != nil {
			return nil, fault.Decode("cue int", err)
		}
		i, ok := value.IntFromBig(b)
		if !ok {
			return nil, fault.Newf(fault.KindDecode, "cue int %s out of 128-bit range", b)
		}
		return i, nil

	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, fault.Decode("cue string", err)
		}
		return value.Text(s), nil

	case cue.BytesKind:
		b, err := v.Bytes()
		if err != nil {
			return nil, fault.Decode("cue bytes", err)
		}
		return value.Bytes(b), nil

	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, fault.Decode("cue struct", err)
		}
		var m value.Map
		for iter.Next() {
			x, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			m = append(m, value.E(iter.Label(), x))
		}
		if m == nil {
			m = value.Map{}
		}
		return m, nil

	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, fault.Decode("cue list", err)
		}
		a := value.Array{}
		for iter.Next() {
			x, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			a = append(a, x)
		}
		return a, nil

	default:
		return nil, fault.Newf(fault.KindDecode, "cue %s values are not supported", v.Kind())
	}
}
