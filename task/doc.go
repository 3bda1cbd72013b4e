// Package task schedules cooperative guest executions.
//
// The executor keeps one FIFO ready queue per priority level and always
// runs the head of the highest non-empty queue for one fuel quantum.
// Within a level the run order is round-robin: a task that yields goes to
// the tail of its own queue. Lower levels starve under sustained higher
// load; that is the contract, not an accident.
//
// Everything scheduling-related happens on the one goroutine that calls
// Run. Executions hand back explicit step outcomes (done, yielded,
// blocked, faulted); blocked tasks leave a resumption token behind, and
// collaborators wake them by settling it. A fault terminates the
// offending task only — the executor reports the crash upward and keeps
// scheduling everyone else.
package task
