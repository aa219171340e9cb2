package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Steps and assertions must also pass.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) *Result {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s failed:\n%v", scenario.Name, result.Errors)
	}

	AssertGolden(t, scenario.Name, result)
	return result
}

// AssertGolden compares a result's trace against a golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.TraceText()))
}
