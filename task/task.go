package task

import (
	"context"
	"fmt"
	"time"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// State is a task's scheduling state.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Execution is a schedulable guest context. hostcall.Session implements
// it for native programs and wasm instances alike.
type Execution interface {
	// Step runs one slice and reports how control came back.
	Step(ctx context.Context) hostcall.StepResult
	// Refill restores a full fuel quantum; called before every step.
	Refill()
	// Kill tears the execution down. Only called while the execution is
	// parked, never while a Step is in flight.
	Kill()
}

// Poller is a collaborator that completes waits from state of its own —
// timers going due, ingress queues filling. The executor polls each one
// once per scheduling pass.
type Poller interface {
	Poll(now time.Time)
}

// task is the executor's per-task record. Terminated tasks are forgotten
// outright; their exit codes and fault causes travel in the reported
// event, and history beyond that is the supervisor's business.
type task struct {
	id    sovelma.TaskID
	name  string
	prio  sovelma.Priority
	state State

	exec    Execution
	set     *cap.Set
	pending *hostcall.Pending

	killRequested bool
	killReason    string
}

// Info is one row of an executor snapshot.
type Info struct {
	ID       sovelma.TaskID
	Name     string
	Priority sovelma.Priority
	State    State
	Caps     int
}
