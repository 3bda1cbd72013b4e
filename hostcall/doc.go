// Package hostcall implements the bridge between guest code and kernel
// objects: the one pipeline every guest-visible operation runs through.
//
// # Pipeline
//
// Each call proceeds in a fixed order:
//
//  1. Capability check. The descriptor resolves through the task's set and
//     the table; any failure returns a result code synchronously. A
//     security failure never suspends and never costs fuel.
//  2. Fuel. Every operation has a named fixed cost. If the quantum cannot
//     cover it, the task yields with nothing deducted and the same call
//     re-attempts from the top next quantum.
//  3. Attempt. Operations that can complete immediately perform their
//     effect, deduct their cost, and return. Operations that would block
//     create a Pending record, attach it to the resource's wait list, and
//     hand the scheduler a Blocked outcome.
//  4. Resume. The collaborator settles the result into the record exactly
//     once and wakes the executor; the suspended call site only injects
//     the stored value. Registration and injection are distinct paths, so
//     a side effect is never registered or executed twice.
//
// # Sessions
//
// A Session drives a guest program on its own goroutine with a strict
// baton handoff: the scheduler's Step lends control, the program runs
// until its next suspension point, and exactly one StepResult comes back.
// The scheduler sees an explicit state machine — statuses and resumption
// tokens — never the goroutine underneath.
package hostcall
