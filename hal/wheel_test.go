package hal

import (
	"testing"
	"time"

	"github.com/spihlava/SovelmaOS/hostcall"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestManualClockAdvances(t *testing.T) {
	c := NewManualClock(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("now: %v", got)
	}
	c.Advance(250 * time.Millisecond)
	if got := c.Now(); !got.Equal(epoch.Add(250 * time.Millisecond)) {
		t.Fatalf("after advance: %v", got)
	}
}

func TestWheelFiresDueRecords(t *testing.T) {
	c := NewManualClock(epoch)
	w := NewWheel(c)

	early := hostcall.NewPending(1, hostcall.OpSleep)
	late := hostcall.NewPending(1, hostcall.OpSleep)
	w.After(5*time.Millisecond, early)
	w.After(20*time.Millisecond, late)

	w.Poll(c.Now())
	if early.Settled() || late.Settled() {
		t.Fatal("nothing is due yet")
	}

	w.Poll(c.Advance(10 * time.Millisecond))
	if !early.Settled() {
		t.Fatal("due record not expired")
	}
	if late.Settled() {
		t.Fatal("record expired ahead of its deadline")
	}

	w.Poll(c.Advance(10 * time.Millisecond))
	if !late.Settled() {
		t.Fatal("second record not expired at its deadline")
	}
}

func TestWheelNextSkipsSettled(t *testing.T) {
	c := NewManualClock(epoch)
	w := NewWheel(c)

	if _, ok := w.Next(); ok {
		t.Fatal("empty wheel reported a deadline")
	}

	won := hostcall.NewPending(1, hostcall.OpRecv)
	still := hostcall.NewPending(1, hostcall.OpRecv)
	w.After(5*time.Millisecond, won)
	w.After(15*time.Millisecond, still)

	// The resource beat the timer; the wheel must look past the record.
	won.Complete(3, nil)

	next, ok := w.Next()
	if !ok || !next.Equal(epoch.Add(15*time.Millisecond)) {
		t.Fatalf("next: %v ok=%v", next, ok)
	}
	if w.Len() != 1 {
		t.Fatalf("settled head not pruned: len=%d", w.Len())
	}
}

func TestWheelExpiryLosesToCompletion(t *testing.T) {
	c := NewManualClock(epoch)
	w := NewWheel(c)

	p := hostcall.NewPending(1, hostcall.OpRecv)
	w.After(5*time.Millisecond, p)
	if p.Deadline().IsZero() {
		t.Fatal("arming did not stamp the deadline")
	}
	p.Complete(9, []byte("data"))

	// Expire pops the record but must not overwrite the result.
	w.Poll(c.Advance(10 * time.Millisecond))
	if w.Len() != 0 {
		t.Fatalf("due record not popped: len=%d", w.Len())
	}
}

func TestWheelEqualDeadlinesFireInArmingOrder(t *testing.T) {
	c := NewManualClock(epoch)
	w := NewWheel(c)

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		p := hostcall.NewPending(1, hostcall.OpSleep)
		p.SetWaker(func() { order = append(order, i) })
		w.At(epoch.Add(time.Millisecond), p)
	}

	w.Poll(c.Advance(time.Millisecond))
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("fire order: %v", order)
	}
}
