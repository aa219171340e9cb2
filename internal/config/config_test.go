package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/value"
)

func TestLoad_YAML(t *testing.T) {
	v, err := Load(filepath.Join("testdata", "substrate.yaml"))
	require.NoError(t, err)

	m, ok := v.(value.Map)
	require.True(t, ok)
	assert.Equal(t, []string{"namespace", "store", "listen", "peers"}, m.Keys())

	o, err := FromValue(v)
	require.NoError(t, err)
	assert.Equal(t, Options{
		Namespace: "home",
		Store:     Store{Kind: "disk", Path: "/var/lib/substrate"},
		Listen:    Listen{Socket: "/run/substrate.sock", Websocket: ":8080"},
		Peers: []Peer{
			{Namespace: "office", URL: "ws://office:8080/ws"},
			{Socket: "/run/other.sock"},
		},
	}, o)
}

func TestLoad_CUE(t *testing.T) {
	v, err := Load(filepath.Join("testdata", "substrate.cue"))
	require.NoError(t, err)

	m, ok := v.(value.Map)
	require.True(t, ok)
	assert.Equal(t, []string{"namespace", "store", "listen", "limits"}, m.Keys())

	maxItems, err := value.GetPath(v, []string{"limits", "max_items"})
	require.NoError(t, err)
	assert.Equal(t, value.NewInt(1<<20), maxItems)

	verbose, err := value.GetPath(v, []string{"limits", "verbose"})
	require.NoError(t, err)
	assert.Equal(t, value.Bool(false), verbose)

	o, err := FromValue(v)
	require.NoError(t, err)
	assert.Equal(t, "home", o.Namespace)
	assert.Equal(t, Store{Kind: "bolt", Path: "/var/lib/substrate/data.bolt"}, o.Store)
	assert.Empty(t, o.Listen.Websocket)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.True(t, errors.Is(err, fault.ErrIO))
}

func TestParseYAML_Scalars(t *testing.T) {
	v, err := ParseYAML([]byte(`
text: hello
quoted: "42"
int: 42
hex: 0x10
big: 170141183460469231731687303715884105727
yes: true
nothing: null
list: [1, two]
`))
	require.NoError(t, err)

	big, _ := value.ParseInt("170141183460469231731687303715884105727")
	want := value.NewMap(
		value.E("text", value.Text("hello")),
		value.E("quoted", value.Text("42")),
		value.E("int", value.NewInt(42)),
		value.E("hex", value.NewInt(16)),
		value.E("big", big),
		value.E("yes", value.Bool(true)),
		value.E("nothing", value.Null{}),
		value.E("list", value.NewArray(value.NewInt(1), value.Text("two"))),
	)
	assert.True(t, value.Equal(want, v), "got %v", v)
}

func TestParseYAML_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"float", "x: 1.5\n"},
		{"duplicate key", "x: 1\nx: 2\n"},
		{"complex key", "? [a, b]\n: 1\n"},
		{"syntax", "x: [1, 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseYAML([]byte(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrDecode))
		})
	}
}

func TestParseYAML_Empty(t *testing.T) {
	v, err := ParseYAML(nil)
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, v)
}

func TestParseCUE_Rejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"incomplete", "x: int\n"},
		{"float", "x: 1.5\n"},
		{"conflict", "x: 1\nx: 2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCUE("test.cue", []byte(tt.src))
			require.Error(t, err)
			assert.True(t, errors.Is(err, fault.ErrDecode))
		})
	}
}

func TestFromValue_Defaults(t *testing.T) {
	for _, cfg := range []value.Value{value.Null{}, value.NewMap()} {
		o, err := FromValue(cfg)
		require.NoError(t, err)
		assert.Equal(t, Options{Namespace: DefaultNamespace, Store: Store{Kind: DefaultStore}}, o)
	}
}

func TestFromValue_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  value.Value
	}{
		{"root not a map", value.Text("x")},
		{"namespace not text", value.NewMap(value.E("namespace", value.NewInt(1)))},
		{"empty namespace", value.NewMap(value.E("namespace", value.Text("")))},
		{"parent namespace", value.NewMap(value.E("namespace", value.Text("..")))},
		{"namespace with slash", value.NewMap(value.E("namespace", value.Text("a/b")))},
		{"store not a map", value.NewMap(value.E("store", value.Text("disk")))},
		{"peers not a list", value.NewMap(value.E("peers", value.NewMap()))},
		{"peer without address", value.NewMap(value.E("peers", value.NewArray(
			value.NewMap(value.E("namespace", value.Text("x"))),
		)))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromValue(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestLoad_DetectsCUEByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.CUE")
	require.NoError(t, os.WriteFile(path, []byte(`namespace: "x"`), 0o644))

	v, err := Load(path)
	require.NoError(t, err)
	assert.True(t, value.Equal(value.NewMap(value.E("namespace", value.Text("x"))), v))
}
