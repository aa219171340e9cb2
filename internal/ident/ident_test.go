package ident

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/fault"
)

func TestParse(t *testing.T) {
	id := Parse("local/1/config/hi")

	assert.Equal(t, ID{"local", "1", "config", "hi"}, id)
	assert.Equal(t, "local", id.Namespace())
	assert.Equal(t, "1", id.StorePart())
	assert.Equal(t, []string{"config", "hi"}, id.SubPath())
	assert.Equal(t, "hi", id.NthPart(3))
	assert.Equal(t, "", id.NthPart(9))
	assert.Equal(t, "local/1/config/hi", id.String())
}

func TestParse_DropsEmptySegments(t *testing.T) {
	assert.Equal(t, ID{"local", "1"}, Parse("/local//1/"))
}

func TestParse_NormalizesToNFC(t *testing.T) {
	decomposed := Parse("local/1/cafe\u0301")
	composed := Parse("local/1/caf\u00e9")

	assert.True(t, decomposed.Equal(composed))
	assert.Equal(t, "caf\u00e9", decomposed.NthPart(2))
}

func TestKey(t *testing.T) {
	k, err := Parse("local/42").Key()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), k)

	_, err = Parse("local/abc").Key()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDecode))

	_, err = FromString("local").Key()
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrDecode))
}

func TestValidAndTrimmed(t *testing.T) {
	assert.False(t, FromString("1").Valid())
	assert.True(t, Parse("local/1").Valid())

	id := Parse("local/1/a/b")
	trimmed := id.Trimmed()
	assert.Equal(t, ID{"local", "1"}, trimmed)

	trimmed[0] = "changed"
	assert.Equal(t, "local", id[0], "Trimmed must not alias")
	assert.Nil(t, Parse("local/1").SubPath())
}

func TestValidNamespace(t *testing.T) {
	tests := []struct {
		ns   string
		want bool
	}{
		{"local", true},
		{"home.office", true},
		{"...", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../../escaped", false},
		{"a/b", false},
		{`a\b`, filepath.Separator == '/'},
		{"a\x00b", false},
	}
	for _, tt := range tests {
		t.Run(tt.ns, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidNamespace(tt.ns))
			assert.Equal(t, tt.want, New(tt.ns, "1").Valid())
		})
	}
}

func TestKey_RejectsInvalidNamespace(t *testing.T) {
	for _, id := range []ID{New("..", "1"), New("", "1"), New("../../escaped", "1")} {
		_, err := id.Key()
		require.Error(t, err)
		assert.True(t, errors.Is(err, fault.ErrDecode), "%q", id.String())
		assert.Contains(t, err.Error(), "invalid namespace")
	}
}

func TestWithDefaultNamespace(t *testing.T) {
	assert.Equal(t, ID{"local", "1"}, FromString("1").WithDefaultNamespace("local"))
	assert.Equal(t, ID{"local", "1", "config"}, Parse("1/config").WithDefaultNamespace("local"))
	assert.Equal(t, ID{"remote", "1"}, Parse("remote/1").WithDefaultNamespace("local"))
}

func TestRelated(t *testing.T) {
	parent := Parse("local/1")
	child := Parse("local/1/counter")
	other := Parse("local/2")

	assert.True(t, child.HasPrefix(parent))
	assert.False(t, parent.HasPrefix(child))
	assert.True(t, parent.Related(child))
	assert.True(t, child.Related(parent))
	assert.False(t, parent.Related(other))
}

func TestChild(t *testing.T) {
	base := Parse("inst/con_by_id")
	got := base.Child("3", "peer")

	assert.Equal(t, ID{"inst", "con_by_id", "3", "peer"}, got)
	assert.Equal(t, ID{"inst", "con_by_id"}, base)
}
