package hostcall

import "fmt"

// StepStatus says how a session step ended.
type StepStatus uint8

const (
	// StepDone means the program returned; the session is finished.
	StepDone StepStatus = iota
	// StepYielded means the quantum ran out mid-call. The call had no
	// effect and the task goes back on its ready queue.
	StepYielded
	// StepBlocked means a call would block. The Pending record names the
	// condition; the task sleeps until it settles.
	StepBlocked
	// StepFaulted means the program trapped. Only the offending task dies.
	StepFaulted
)

func (s StepStatus) String() string {
	switch s {
	case StepDone:
		return "done"
	case StepYielded:
		return "yielded"
	case StepBlocked:
		return "blocked"
	case StepFaulted:
		return "faulted"
	}
	return fmt.Sprintf("step(%d)", uint8(s))
}

// StepResult is the outcome a Session hands the executor after each step.
type StepResult struct {
	Status  StepStatus
	Exit    int32    // set when Status is StepDone
	Pending *Pending // set when Status is StepBlocked
	Fault   error    // set when Status is StepFaulted
}

// Program is a guest body driven by a Session. It runs on the session's
// goroutine, makes host calls through env, and may be parked and resumed
// many times before returning its exit code. A non-nil error is a trap.
type Program func(env *Env) (int32, error)
