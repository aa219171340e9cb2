package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/substrate/internal/config"
	"github.com/roach88/substrate/internal/fault"
	"github.com/roach88/substrate/internal/store"
	"github.com/roach88/substrate/internal/value"
)

// Scenario is a scripted run against a set of linked instances.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Instances are started in order before the flow.
	Instances []InstanceSpec `yaml:"instances"`

	// Links join pairs of instances by name.
	Links [][]string `yaml:"links,omitempty"`

	// Flow is executed step by step; a step that fails stops the run.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and values.
	Assertions []Assertion `yaml:"assertions"`
}

// InstanceSpec describes one instance in a scenario.
type InstanceSpec struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace,omitempty"`
	Store     string `yaml:"store,omitempty"`
}

// namespace is the configured namespace or the instance name.
func (s InstanceSpec) namespace() string {
	if s.Namespace != "" {
		return s.Namespace
	}
	return s.Name
}

// Step is one operation in the flow.
type Step struct {
	On     string     `yaml:"on"`
	Op     string     `yaml:"op"`
	ID     string     `yaml:"id,omitempty"`
	Value  *yaml.Node `yaml:"value,omitempty"`
	Expect *yaml.Node `yaml:"expect,omitempty"`
	Fails  string     `yaml:"fails,omitempty"`
	Sub    string     `yaml:"sub,omitempty"`
	Count  int        `yaml:"count,omitempty"`
}

// Operation names.
const (
	OpSet     = "set"
	OpGet     = "get"
	OpCreate  = "create"
	OpSub     = "sub"
	OpUpdates = "updates"
)

// Assertion validates the trace or a final value.
type Assertion struct {
	Type   string     `yaml:"type"`
	On     string     `yaml:"on,omitempty"`
	ID     string     `yaml:"id,omitempty"`
	Expect *yaml.Node `yaml:"expect,omitempty"`
	Op     string     `yaml:"op,omitempty"`
	Count  int        `yaml:"count,omitempty"`
	Ops    []string   `yaml:"ops,omitempty"`
}

// Assertion type constants.
const (
	AssertValue      = "value"
	AssertTraceCount = "trace_count"
	AssertTraceOrder = "trace_order"
)

var storeKinds = []string{"", string(store.KindMemory), string(store.KindDisk), string(store.KindSQLite), string(store.KindBolt)}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so that typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and refer to
// declared instances and subscriptions.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Instances) == 0 {
		return fmt.Errorf("instances list is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	names := make(map[string]bool)
	for i, inst := range s.Instances {
		if inst.Name == "" {
			return fmt.Errorf("instances[%d]: name is required", i)
		}
		if names[inst.Name] {
			return fmt.Errorf("instances[%d]: duplicate name %q", i, inst.Name)
		}
		if !slices.Contains(storeKinds, inst.Store) {
			return fmt.Errorf("instances[%d]: unsupported store %q", i, inst.Store)
		}
		names[inst.Name] = true
	}

	for i, l := range s.Links {
		if len(l) != 2 {
			return fmt.Errorf("links[%d]: a link joins exactly two instances", i)
		}
		if !names[l[0]] || !names[l[1]] {
			return fmt.Errorf("links[%d]: unknown instance in %v", i, l)
		}
		if l[0] == l[1] {
			return fmt.Errorf("links[%d]: an instance cannot link to itself", i)
		}
	}

	subs := make(map[string]bool)
	for i, step := range s.Flow {
		if !names[step.On] {
			return fmt.Errorf("flow[%d]: unknown instance %q", i, step.On)
		}
		switch step.Op {
		case OpSet:
			if step.ID == "" || step.Value == nil {
				return fmt.Errorf("flow[%d]: set needs id and value", i)
			}
			if step.Fails != "" && !validKind(step.Fails) {
				return fmt.Errorf("flow[%d]: unknown error kind %q", i, step.Fails)
			}
		case OpGet:
			if step.ID == "" {
				return fmt.Errorf("flow[%d]: get needs id", i)
			}
		case OpCreate:
		case OpSub:
			if step.ID == "" || step.Sub == "" {
				return fmt.Errorf("flow[%d]: sub needs id and sub", i)
			}
			subs[step.Sub] = true
		case OpUpdates:
			if !subs[step.Sub] {
				return fmt.Errorf("flow[%d]: unknown subscription %q", i, step.Sub)
			}
			if step.Count <= 0 {
				return fmt.Errorf("flow[%d]: updates needs a positive count", i)
			}
		default:
			return fmt.Errorf("flow[%d]: unknown op %q", i, step.Op)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i], names); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, names map[string]bool) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue:
		if !names[a.On] {
			return fmt.Errorf("assertions[%d]: unknown instance %q", index, a.On)
		}
		if a.ID == "" || a.Expect == nil {
			return fmt.Errorf("assertions[%d]: id and expect are required for value", index)
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func validKind(k string) bool {
	switch fault.Kind(k) {
	case fault.KindIO, fault.KindDecode, fault.KindNotAMap, fault.KindAlreadyOpen,
		fault.KindUnknownCommand, fault.KindChannelClosed, fault.KindUnhandled:
		return true
	}
	return false
}

// nodeValue converts a YAML node to a value with the configuration
// loader's rules.
func nodeValue(n *yaml.Node) (value.Value, error) {
	if n == nil {
		return value.Null{}, nil
	}
	data, err := yaml.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode node: %w", err)
	}
	return config.ParseYAML(data)
}
