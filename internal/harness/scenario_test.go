package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/substrate/internal/value"
)

func TestLoadScenario(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/remote_namespaces.yaml")
	require.NoError(t, err)

	assert.Equal(t, "remote_namespaces", s.Name)
	require.Len(t, s.Instances, 2)
	assert.Equal(t, "beta", s.Instances[1].namespace())
	assert.Equal(t, "sqlite", s.Instances[1].Store)
	assert.Equal(t, [][]string{{"alpha", "beta"}}, s.Links)
	require.Len(t, s.Flow, 8)
	assert.Equal(t, OpSub, s.Flow[0].Op)
	assert.Equal(t, "remote", s.Flow[0].Sub)
	require.Len(t, s.Assertions, 4)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	assert.ErrorContains(t, err, "failed to read scenario file")
}

func TestLoadScenario_UnknownField(t *testing.T) {
	_, err := LoadScenario("testdata/invalid/unknown_field.yaml")
	assert.ErrorContains(t, err, "failed to parse YAML")
}

func TestInstanceSpec_NamespaceDefaultsToName(t *testing.T) {
	assert.Equal(t, "desk", InstanceSpec{Name: "desk"}.namespace())
	assert.Equal(t, "office", InstanceSpec{Name: "desk", Namespace: "office"}.namespace())
}

func TestParseScenario_Invalid(t *testing.T) {
	const header = "name: x\ndescription: d\ninstances:\n  - name: a\n  - name: b\n"

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "description: d\ninstances: [{name: a}]\nflow: [{on: a, op: create}]\n", "name is required"},
		{"no description", "name: x\ninstances: [{name: a}]\nflow: [{on: a, op: create}]\n", "description is required"},
		{"no instances", "name: x\ndescription: d\nflow: [{on: a, op: create}]\n", "instances list is required"},
		{"no flow", header, "flow list is required"},
		{"duplicate instance", "name: x\ndescription: d\ninstances: [{name: a}, {name: a}]\nflow: [{on: a, op: create}]\n", "duplicate name"},
		{"bad store", "name: x\ndescription: d\ninstances: [{name: a, store: tape}]\nflow: [{on: a, op: create}]\n", "unsupported store"},
		{"link unknown", header + "links: [[a, c]]\nflow: [{on: a, op: create}]\n", "unknown instance"},
		{"link to self", header + "links: [[a, a]]\nflow: [{on: a, op: create}]\n", "cannot link to itself"},
		{"link arity", header + "links: [[a, b, a]]\nflow: [{on: a, op: create}]\n", "exactly two"},
		{"step unknown instance", header + "flow: [{on: c, op: create}]\n", "unknown instance"},
		{"unknown op", header + "flow: [{on: a, op: delete}]\n", "unknown op"},
		{"set without value", header + "flow: [{on: a, op: set, id: a/1}]\n", "set needs id and value"},
		{"unknown error kind", header + "flow: [{on: a, op: set, id: a/1, value: 1, fails: OOPS}]\n", "unknown error kind"},
		{"get without id", header + "flow: [{on: a, op: get}]\n", "get needs id"},
		{"sub without name", header + "flow: [{on: a, op: sub, id: a/1}]\n", "sub needs id and sub"},
		{"updates unknown sub", header + "flow: [{on: a, op: updates, sub: w, count: 1}]\n", "unknown subscription"},
		{"updates without count", header + "flow: [{on: a, op: sub, id: a/1, sub: w}, {on: a, op: updates, sub: w}]\n", "positive count"},
		{"assertion without type", header + "flow: [{on: a, op: create}]\nassertions: [{op: create}]\n", "type is required"},
		{"unknown assertion", header + "flow: [{on: a, op: create}]\nassertions: [{type: final_state}]\n", "unknown assertion type"},
		{"value without expect", header + "flow: [{on: a, op: create}]\nassertions: [{type: value, on: a, id: a/1}]\n", "id and expect are required"},
		{"value unknown instance", header + "flow: [{on: a, op: create}]\nassertions: [{type: value, on: c, id: a/1, expect: 1}]\n", "unknown instance"},
		{"count without op", header + "flow: [{on: a, op: create}]\nassertions: [{type: trace_count, count: 1}]\n", "op is required"},
		{"negative count", header + "flow: [{on: a, op: create}]\nassertions: [{type: trace_count, op: set, count: -1}]\n", "non-negative"},
		{"order without ops", header + "flow: [{on: a, op: create}]\nassertions: [{type: trace_order}]\n", "ops list is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNodeValue_KeepsOrderAndTypes(t *testing.T) {
	s, err := ParseScenario([]byte(`name: x
description: d
instances: [{name: a}]
flow:
  - on: a
    op: set
    id: a/1
    value: {z: 1, a: "2", big: 170141183460469231731687303715884105727, on: true}
`))
	require.NoError(t, err)

	v, err := nodeValue(s.Flow[0].Value)
	require.NoError(t, err)

	m, ok := v.(value.Map)
	require.True(t, ok)
	assert.Equal(t, []string{"z", "a", "big", "on"}, m.Keys())

	z, _ := m.Get("z")
	assert.Equal(t, value.NewInt(1), z)
	a, _ := m.Get("a")
	assert.Equal(t, value.Text("2"), a)
	big, _ := m.Get("big")
	want, ok := value.ParseInt("170141183460469231731687303715884105727")
	require.True(t, ok)
	assert.True(t, value.Equal(want, big))
	on, _ := m.Get("on")
	assert.Equal(t, value.Bool(true), on)
}

func TestNodeValue_Nil(t *testing.T) {
	v, err := nodeValue(nil)
	require.NoError(t, err)
	assert.True(t, value.IsNull(v))
}
