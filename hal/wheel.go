package hal

import (
	"container/heap"
	"sync"
	"time"

	"github.com/spihlava/SovelmaOS/hostcall"
)

// timer is one armed deadline. seq breaks ties so records armed for the
// same instant fire in arming order.
type timer struct {
	when time.Time
	seq  uint64
	p    *hostcall.Pending
}

type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(timer)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Wheel keeps every armed deadline in a min-heap. The executor drives
// expiry once per pass through Poll and bounds its idle sleep with Next.
type Wheel struct {
	mu    sync.Mutex
	clock hostcall.Clock
	heap  timerHeap
	seq   uint64
}

func NewWheel(clock hostcall.Clock) *Wheel {
	if clock == nil {
		clock = WallClock{}
	}
	return &Wheel{clock: clock}
}

// After arms p to expire d from now.
func (w *Wheel) After(d time.Duration, p *hostcall.Pending) {
	w.At(w.clock.Now().Add(d), p)
}

// At arms p to expire at t.
func (w *Wheel) At(t time.Time, p *hostcall.Pending) {
	p.SetDeadline(t)
	w.mu.Lock()
	w.seq++
	heap.Push(&w.heap, timer{when: t, seq: w.seq, p: p})
	w.mu.Unlock()
}

// Poll expires every record due at now. A record its resource settled
// first pops as a no-op; Expire settles at most once.
func (w *Wheel) Poll(now time.Time) {
	var due []*hostcall.Pending
	w.mu.Lock()
	for len(w.heap) > 0 && !w.heap[0].when.After(now) {
		due = append(due, heap.Pop(&w.heap).(timer).p)
	}
	w.mu.Unlock()

	for _, p := range due {
		p.Expire()
	}
}

// Next reports the earliest live deadline, pruning settled heads on the
// way. ok is false when nothing is armed.
func (w *Wheel) Next() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.heap) > 0 {
		if !w.heap[0].p.Settled() {
			return w.heap[0].when, true
		}
		heap.Pop(&w.heap)
	}
	return time.Time{}, false
}

// Len counts armed records, settled stragglers included.
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.heap)
}

var _ hostcall.Timers = (*Wheel)(nil)
