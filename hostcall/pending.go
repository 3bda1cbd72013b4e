package hostcall

import (
	"sync"
	"time"

	sovelma "github.com/spihlava/SovelmaOS"
)

// Pending is the completion source for a blocked host call. The bridge
// hands it to whichever collaborator owns the awaited condition; exactly
// one settle wins, later settles are no-ops. Wait lists keep pointers to
// Pending records and prune settled ones lazily.
type Pending struct {
	task sovelma.TaskID
	op   Op

	mu       sync.Mutex
	deadline time.Time
	settled  bool
	canceled bool
	value    int32
	data     []byte
	wake     func()
}

func NewPending(task sovelma.TaskID, op Op) *Pending {
	return &Pending{task: task, op: op}
}

func (p *Pending) Task() sovelma.TaskID { return p.task }
func (p *Pending) Op() Op               { return p.op }

// SetWaker installs the executor's resumption hook. It runs outside the
// record's lock whenever a settle lands, and never runs for Cancel. If the
// record already settled — a completer got in between the park and the
// executor installing the hook — fn runs immediately instead of never.
func (p *Pending) SetWaker(fn func()) {
	p.mu.Lock()
	if p.settled {
		fire := !p.canceled && fn != nil
		p.mu.Unlock()
		if fire {
			fn()
		}
		return
	}
	p.wake = fn
	p.mu.Unlock()
}

// SetDeadline stamps the record with its timeout instant. Zero means no
// deadline. The timer owner reads it back with Deadline.
func (p *Pending) SetDeadline(t time.Time) {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
}

func (p *Pending) Deadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// Complete settles the record with a success value and optional payload.
// Reports false if something else settled first.
func (p *Pending) Complete(value int32, data []byte) bool {
	return p.settle(value, data)
}

// Fail settles the record with the guest-visible code for err.
func (p *Pending) Fail(err error) bool {
	return p.settle(Errno(err), nil)
}

// Expire settles the record with a timeout. The timer owner calls this
// when the deadline passes; it loses cleanly to an earlier completion.
func (p *Pending) Expire() bool {
	return p.settle(ErrnoTimedOut, nil)
}

// Cancel settles the record silently. Termination paths use it so a late
// completion neither wakes a dead task nor leaks into a reused slot.
func (p *Pending) Cancel() {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.canceled = true
	p.wake = nil
	p.mu.Unlock()
}

func (p *Pending) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

func (p *Pending) settle(value int32, data []byte) bool {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return false
	}
	p.settled = true
	p.value = value
	p.data = data
	wake := p.wake
	p.wake = nil
	p.mu.Unlock()

	if wake != nil {
		wake()
	}
	return true
}

// result reads the settled outcome. Only the resume path calls it, after
// the waker has fired, so a false return means a protocol bug upstream.
func (p *Pending) result() (int32, []byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.settled || p.canceled {
		return 0, nil, false
	}
	return p.value, p.data, true
}
