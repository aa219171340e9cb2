package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/substrate/internal/ident"
	"github.com/roach88/substrate/internal/instance"
	"github.com/roach88/substrate/internal/value"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  %s\n", event)
	}

	return buf.String()
}

// lookupFunc resolves an instance name.
type lookupFunc func(name string) (*instance.Instance, bool)

// EvaluateAssertions checks every assertion and returns the messages of
// those that failed.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, lookup lookupFunc) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertValue:
			err = assertValue(ctx, result.Trace, a, lookup)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// assertValue reads the full value at the assertion's id and compares it
// with the expected value.
func assertValue(ctx context.Context, trace []TraceEvent, a Assertion, lookup lookupFunc) error {
	inst, ok := lookup(a.On)
	if !ok {
		return fmt.Errorf("unknown instance %q", a.On)
	}
	want, err := nodeValue(a.Expect)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	item := inst.Get(ident.Parse(a.ID))
	got, err := item.AsDataFull(ctx)
	if err != nil {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s on %s = %s", item, a.On, render(want)),
			Actual:   err.Error(),
			Trace:    trace,
		}
	}
	if !value.Equal(want, got) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s on %s = %s", item, a.On, render(want)),
			Actual:   render(got),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks that an op appears exactly Count times.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Op == a.Op {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s appears %d times", a.Op, a.Count),
			Actual:   fmt.Sprintf("%s appears %d times", a.Op, count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that ops appear in the given order.
// Intervening events are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	next := 0
	for _, event := range trace {
		if next < len(a.Ops) && event.Op == a.Ops[next] {
			next++
		}
	}
	if next < len(a.Ops) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("ops in order %v", a.Ops),
			Actual:   fmt.Sprintf("matched only %v", a.Ops[:next]),
			Trace:    trace,
		}
	}
	return nil
}
