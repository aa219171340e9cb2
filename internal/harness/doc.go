// Package harness runs scripted scenarios against one or more linked
// instances and checks the resulting trace and final values.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: remote_write
//	description: "alpha writes into beta's namespace"
//	instances:
//	  - name: alpha
//	  - name: beta
//	    store: sqlite
//	links:
//	  - [alpha, beta]
//	flow:
//	  - on: alpha
//	    op: set
//	    id: beta/1/name
//	    value: lamp
//	  - on: beta
//	    op: get
//	    id: beta/1
//	    expect: {name: lamp}
//	assertions:
//	  - type: value
//	    on: beta
//	    id: beta/1/name
//	    expect: lamp
//
// An instance's namespace defaults to its name and its store to memory.
// Each link is a pair of instances joined by an in-process pipe speaking
// the stream protocol; both ends advertise their namespace and the
// harness waits until each side routes the other's namespace.
//
// # Operations
//
//   - set: merge value at id and wait until applied. With fails, the
//     step passes only if the write fails with that error kind.
//   - get: read the full value at id; expect is compared when present.
//   - create: reserve a fresh item in the default namespace; expect is
//     the identifier.
//   - sub: subscribe under the name given by sub. Remote subscriptions
//     wait for the owner's first reply.
//   - updates: wait for count notifications on a named subscription;
//     expect is compared with the last one.
//
// # Assertion Types
//
//   - value: the full value at id on an instance equals expect
//   - trace_count: op appears exactly count times in the trace
//   - trace_order: ops appear in the given order, not necessarily
//     consecutively
//
// Values in value and expect fields use the configuration syntax, so
// map order is kept and integers are exact.
package harness
