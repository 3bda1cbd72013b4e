package sovelma

import (
	"fmt"
	"time"
)

// TaskID identifies a task for the lifetime of a kernel. IDs are assigned
// sequentially at spawn and never reused within a run. Zero means no task;
// kernel-side callers that bypass a task context use it as the owner.
type TaskID uint64

// KernelTask is the owner recorded on capabilities created by the kernel
// itself rather than on behalf of a spawned task.
const KernelTask TaskID = 0

func (id TaskID) String() string {
	if id == KernelTask {
		return "kernel"
	}
	return fmt.Sprintf("task-%d", id)
}

// Priority orders tasks for scheduling. Higher values preempt lower ones
// at quantum boundaries; the executor always drains higher levels first.
type Priority uint8

const (
	PriorityIdle Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical

	numPriorities = 4
)

// NumPriorities is the number of distinct scheduling levels.
const NumPriorities = int(numPriorities)

func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", uint8(p))
}

// ParsePriority converts a manifest-level priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "idle":
		return PriorityIdle, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// EventKind classifies task lifecycle events reported upward.
type EventKind uint8

const (
	// EventExit is a normal termination: the task's entry point returned.
	EventExit EventKind = iota
	// EventCrash is a fault termination: the task trapped or was killed.
	EventCrash
)

func (k EventKind) String() string {
	if k == EventExit {
		return "exit"
	}
	return "crash"
}

// Event describes the termination of a single task. Faults are fatal to
// the offending task only; the kernel reports the event and keeps running.
type Event struct {
	Kind   EventKind
	Task   TaskID
	Name   string
	Code   int32
	Reason string
	At     time.Time
}

// Supervisor receives task lifecycle events. Implementations must not call
// back into the executor from TaskEvent.
type Supervisor interface {
	TaskEvent(Event)
}

// SupervisorFunc adapts a function to the Supervisor interface.
type SupervisorFunc func(Event)

func (f SupervisorFunc) TaskEvent(e Event) { f(e) }
