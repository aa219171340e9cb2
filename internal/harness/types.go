package harness

import (
	"fmt"
	"strings"
)

// TraceEvent records one executed step or notification.
type TraceEvent struct {
	Seq      int    `json:"seq"`
	Instance string `json:"instance"`
	Op       string `json:"op"`
	ID       string `json:"id,omitempty"`
	Value    string `json:"value,omitempty"` // compact JSON rendering
}

// String renders the event as one trace line.
func (e TraceEvent) String() string {
	line := fmt.Sprintf("%03d %s %s", e.Seq, e.Instance, e.Op)
	if e.ID != "" {
		line += " " + e.ID
	}
	if e.Value != "" {
		line += " " + e.Value
	}
	return line
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step and assertion held.
	Pass bool `json:"pass"`

	// Trace contains the executed steps and received notifications in
	// order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event, numbering it.
func (r *Result) AddTrace(instance, op, id, val string) {
	r.Trace = append(r.Trace, TraceEvent{
		Seq:      len(r.Trace) + 1,
		Instance: instance,
		Op:       op,
		ID:       id,
		Value:    val,
	})
}

// TraceText renders the trace one event per line.
func (r *Result) TraceText() string {
	var b strings.Builder
	for _, e := range r.Trace {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return b.String()
}
