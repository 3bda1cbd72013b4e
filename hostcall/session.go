package hostcall

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/errors"
)

// Session runs one Program on its own goroutine and trades control with
// the executor through a strict baton handoff: exactly one side runs at a
// time. Step hands the baton in; the goroutine hands it back by parking
// (yield, block) or finishing (done, fault). The executor is the only
// caller of Step and Kill, and never calls Kill while a Step is in
// flight, so parked sessions observe kill at every park point and
// running sessions cannot be torn down mid-call.
//
// Because the program's whole call stack lives on the session goroutine,
// a host call that blocks simply parks here and resumes exactly where it
// suspended, with the settled result injected at the call site.
type Session struct {
	env  *Env
	prog Program

	in   chan context.Context
	out  chan StepResult
	kill chan struct{}
	once sync.Once
}

// NewSession binds env to a new driver for prog. The goroutine starts
// parked; nothing runs until the first Step.
func NewSession(env *Env, prog Program) *Session {
	s := &Session{
		env:  env,
		prog: prog,
		in:   make(chan context.Context),
		out:  make(chan StepResult),
		kill: make(chan struct{}),
	}
	env.session = s
	go s.drive()
	return s
}

// Step gives the session one quantum of control and returns how it gave
// the baton back. Stepping a session whose previous result was terminal
// (done or faulted) is a protocol violation and will hang; the executor's
// task states make that unreachable.
func (s *Session) Step(ctx context.Context) StepResult {
	s.in <- ctx
	return <-s.out
}

// Refill restores the task's full fuel quantum.
func (s *Session) Refill() { s.env.Refill() }

// Bind stamps the task id the executor assigned at spawn. Called once,
// before the first Step.
func (s *Session) Bind(id sovelma.TaskID) { s.env.bind(id) }

// Kill tears the session down. Safe only while the session is parked;
// the parked goroutine exits without producing another result. Idempotent.
func (s *Session) Kill() {
	s.once.Do(func() { close(s.kill) })
}

func (s *Session) drive() {
	select {
	case ctx := <-s.in:
		s.env.begin(ctx)
	case <-s.kill:
		return
	}

	var res StepResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				res = StepResult{
					Status: StepFaulted,
					Fault:  errors.Trap(fmt.Errorf("guest panic: %v", r)),
				}
			}
		}()
		code, err := s.prog(s.env)
		if err != nil {
			res = StepResult{Status: StepFaulted, Fault: faultOf(err)}
			return
		}
		res = StepResult{Status: StepDone, Exit: code}
	}()
	s.out <- res
}

// yieldQuantum parks the task out of fuel. It returns once the executor
// steps the task again with a fresh quantum.
func (s *Session) yieldQuantum() {
	s.handoff(StepResult{Status: StepYielded})
}

// block parks the task on p and returns the settled outcome once the
// executor steps the task after p's waker fired.
func (s *Session) block(p *Pending) (int32, []byte) {
	s.handoff(StepResult{Status: StepBlocked, Pending: p})
	value, data, ok := p.result()
	if !ok {
		panic("hostcall: session resumed before its pending settled")
	}
	return value, data
}

// handoff returns the baton and parks until the next Step or a kill.
func (s *Session) handoff(r StepResult) {
	s.out <- r
	select {
	case ctx := <-s.in:
		s.env.begin(ctx)
	case <-s.kill:
		runtime.Goexit()
	}
}

// faultOf keeps fault-classed errors as they are and brands anything else
// a trap, so a leaked host-call error from guest glue still kills only
// the offending task with a usable cause.
func faultOf(err error) error {
	if e, ok := errors.From(err); ok && e.Class == errors.ClassFault {
		return err
	}
	return errors.Trap(err)
}
