package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// DeadlineSource exposes the nearest armed deadline so an idle executor
// can sleep exactly until something is due. The timer wheel implements it.
type DeadlineSource interface {
	Next() (time.Time, bool)
}

// Config carries the executor's collaborators. Zero values work: wall
// clock, no supervisor, no logger, no deadline source.
type Config struct {
	Clock      hostcall.Clock
	Deadlines  DeadlineSource
	Supervisor sovelma.Supervisor
	Logger     *zap.Logger
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Executor drives tasks over four strict-priority FIFO queues. All
// scheduling happens on the goroutine that calls Run; Spawn, Terminate
// and wakes may come from other goroutines and only touch bookkeeping.
type Executor struct {
	mu      sync.Mutex
	tasks   map[sovelma.TaskID]*task
	queues  [sovelma.NumPriorities][]sovelma.TaskID
	nextID  sovelma.TaskID
	live    int
	pollers []Poller

	clock     hostcall.Clock
	deadlines DeadlineSource
	sup       sovelma.Supervisor
	log       *zap.Logger

	wake chan struct{}
}

func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		tasks:     make(map[sovelma.TaskID]*task),
		clock:     cfg.Clock,
		deadlines: cfg.Deadlines,
		sup:       cfg.Supervisor,
		log:       cfg.Logger,
		wake:      make(chan struct{}, 1),
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// RegisterPoller adds a collaborator to the once-per-pass poll list.
// Not safe to call once Run has started.
func (e *Executor) RegisterPoller(p Poller) {
	e.pollers = append(e.pollers, p)
}

// Binder is implemented by executions that want the executor-assigned
// task id before their first step. hostcall.Session implements it.
type Binder interface {
	Bind(sovelma.TaskID)
}

// Spawn registers a task and queues it at the tail of its priority level.
func (e *Executor) Spawn(name string, prio sovelma.Priority, exec Execution, set *cap.Set) sovelma.TaskID {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	if b, ok := exec.(Binder); ok {
		b.Bind(id)
	}
	t := &task{
		id:    id,
		name:  name,
		prio:  prio,
		state: StateReady,
		exec:  exec,
		set:   set,
	}
	e.tasks[id] = t
	e.live++
	e.enqueue(t)
	e.mu.Unlock()

	e.log.Debug("task spawned",
		zap.Uint64("task", uint64(id)),
		zap.String("name", name),
		zap.String("priority", prio.String()))
	e.signal()
	return id
}

// Terminate kills a task administratively. A task currently running its
// slice is marked and torn down the moment the slice ends; everyone else
// is torn down on the spot.
func (e *Executor) Terminate(id sovelma.TaskID, reason string) error {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.state == StateTerminated {
		e.mu.Unlock()
		return errors.NotFound("terminate", "no such task")
	}
	if t.state == StateRunning {
		t.killRequested = true
		t.killReason = reason
		e.mu.Unlock()
		return nil
	}
	ev := e.reapLocked(t, sovelma.EventCrash, 0, reason)
	e.mu.Unlock()
	e.report(ev)
	// A run loop asleep on only-blocked tasks must notice the drop in
	// live count.
	e.signal()
	return nil
}

// Live reports the number of tasks not yet terminated.
func (e *Executor) Live() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

// Snapshot lists every live task in id order. Terminated tasks are
// forgotten; their history lives with the supervisor.
func (e *Executor) Snapshot() []Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Info, 0, len(e.tasks))
	for _, t := range e.tasks {
		info := Info{
			ID:       t.id,
			Name:     t.name,
			Priority: t.prio,
			State:    t.state,
		}
		if t.set != nil {
			info.Caps = t.set.Len()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run schedules until ctx is canceled or no live tasks remain. When only
// blocked tasks remain it sleeps on the wake channel, bounded by the next
// armed deadline.
func (e *Executor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Live() == 0 {
			return nil
		}
		if e.pass(ctx) {
			continue
		}
		if !e.anyBlocked() {
			return nil
		}
		e.idle(ctx)
	}
}

// RunUntilIdle runs passes until no task is ready, then returns. Blocked
// tasks stay blocked; tests drive their completions by hand between calls.
func (e *Executor) RunUntilIdle(ctx context.Context) {
	for e.pass(ctx) {
		if ctx.Err() != nil {
			return
		}
	}
}

// pass polls collaborators, then runs one slice of the best ready task.
// Reports whether anything ran.
func (e *Executor) pass(ctx context.Context) bool {
	now := e.clock.Now()
	for _, p := range e.pollers {
		p.Poll(now)
	}

	t := e.pick()
	if t == nil {
		return false
	}

	t.exec.Refill()
	res := t.exec.Step(ctx)
	e.settle(ctx, t, res)
	return true
}

// pick pops the head of the highest non-empty queue. Stale entries — ids
// already terminated, or tasks no longer Ready — are dropped in passing.
func (e *Executor) pick() *task {
	e.mu.Lock()
	defer e.mu.Unlock()

	for prio := int(sovelma.PriorityCritical); prio >= int(sovelma.PriorityIdle); prio-- {
		q := e.queues[prio]
		for len(q) > 0 {
			id := q[0]
			q = q[1:]
			t, ok := e.tasks[id]
			if !ok || t.state != StateReady {
				continue
			}
			e.queues[prio] = q
			t.state = StateRunning
			return t
		}
		e.queues[prio] = q
	}
	return nil
}

func (e *Executor) settle(ctx context.Context, t *task, res hostcall.StepResult) {
	e.mu.Lock()

	// An administrative kill that landed mid-slice wins over yield and
	// block, but a task that finished or faulted on its own is reported
	// as such.
	if t.killRequested && res.Status != hostcall.StepDone && res.Status != hostcall.StepFaulted {
		// A blocking slice already put its record on a wait list; hand it
		// to the reaper so that registration is canceled too.
		if res.Status == hostcall.StepBlocked {
			t.pending = res.Pending
		}
		ev := e.reapLocked(t, sovelma.EventCrash, 0, t.killReason)
		e.mu.Unlock()
		e.report(ev)
		return
	}

	switch res.Status {
	case hostcall.StepDone:
		ev := e.reapLocked(t, sovelma.EventExit, res.Exit, "")
		e.mu.Unlock()
		e.report(ev)

	case hostcall.StepFaulted:
		reason := ""
		if res.Fault != nil {
			reason = res.Fault.Error()
		}
		ev := e.reapLocked(t, sovelma.EventCrash, 0, reason)
		e.mu.Unlock()
		e.report(ev)

	case hostcall.StepYielded:
		t.state = StateReady
		e.enqueue(t)
		e.mu.Unlock()

	case hostcall.StepBlocked:
		t.state = StateBlocked
		t.pending = res.Pending
		e.mu.Unlock()
		// Install the waker outside the lock: a completer may have beaten
		// us here, in which case it fires inline and re-locks.
		if res.Pending != nil {
			id := t.id
			p := res.Pending
			p.SetWaker(func() { e.wakeTask(id, p) })
		}

	default:
		e.mu.Unlock()
	}
}

// wakeTask moves a blocked task back to ready. Wakes for unknown ids,
// non-blocked tasks or outdated tokens are dropped; a dangling waker can
// never resume the wrong task.
func (e *Executor) wakeTask(id sovelma.TaskID, p *hostcall.Pending) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok || t.state != StateBlocked || t.pending != p {
		e.mu.Unlock()
		return
	}
	t.state = StateReady
	t.pending = nil
	e.enqueue(t)
	e.mu.Unlock()
	e.signal()
}

// reapLocked runs termination cleanup in order: cancel the suspended
// pending so every wait list it sits on goes inert, drop descriptor-set
// membership without revoking the table entries, kill the driver, count
// the task out. The caller reports the returned event after unlocking.
func (e *Executor) reapLocked(t *task, kind sovelma.EventKind, code int32, reason string) sovelma.Event {
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
	if t.set != nil {
		t.set.Clear()
	}
	t.exec.Kill()
	t.state = StateTerminated
	delete(e.tasks, t.id)
	e.live--

	return sovelma.Event{
		Kind:   kind,
		Task:   t.id,
		Name:   t.name,
		Code:   code,
		Reason: reason,
		At:     e.clock.Now(),
	}
}

func (e *Executor) report(ev sovelma.Event) {
	if ev.Kind == sovelma.EventCrash {
		e.log.Warn("task crashed",
			zap.Uint64("task", uint64(ev.Task)),
			zap.String("name", ev.Name),
			zap.String("reason", ev.Reason))
	} else {
		e.log.Info("task exited",
			zap.Uint64("task", uint64(ev.Task)),
			zap.String("name", ev.Name),
			zap.Int32("code", ev.Code))
	}
	if e.sup != nil {
		e.sup.TaskEvent(ev)
	}
}

func (e *Executor) enqueue(t *task) {
	e.queues[t.prio] = append(e.queues[t.prio], t.id)
}

func (e *Executor) anyBlocked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		if t.state == StateBlocked {
			return true
		}
	}
	return false
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// idle sleeps until a wake signal, the next armed deadline, or ctx
// cancellation. With no deadline source armed this blocks on the wake
// channel alone: if nothing can settle a pending, nothing can become
// ready either.
func (e *Executor) idle(ctx context.Context) {
	if e.deadlines != nil {
		if at, ok := e.deadlines.Next(); ok {
			d := at.Sub(e.clock.Now())
			if d <= 0 {
				return
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-e.wake:
			case <-timer.C:
			case <-ctx.Done():
			}
			return
		}
	}
	select {
	case <-e.wake:
	case <-ctx.Done():
	}
}
