package hostcall

import (
	"context"
	"time"

	"go.uber.org/zap"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
)

// Env is one task's view of the bridge: its descriptor set, its fuel
// counter and the shared services. Every guest-visible operation is a
// method on Env and runs the same gauntlet in the same order: capability
// check (synchronous failure, no fuel), fuel check (parks the task, no
// effect), then the attempt itself, which either completes now or parks
// the task on a Pending until a collaborator settles it.
type Env struct {
	bridge  *Bridge
	task    sovelma.TaskID
	caps    *cap.Set
	session *Session

	quantum uint64
	fuel    uint64

	ctx context.Context
}

// NewEnv builds the environment for one task. The session is attached by
// NewSession. Quanta below MinQuantum are raised to it so every single
// call can run to completion within one slice.
func NewEnv(b *Bridge, task sovelma.TaskID, caps *cap.Set, quantum uint64) *Env {
	if quantum < MinQuantum {
		quantum = MinQuantum
	}
	return &Env{bridge: b, task: task, caps: caps, quantum: quantum}
}

func (e *Env) Task() sovelma.TaskID { return e.task }

// bind stamps the executor-assigned task id. Runs during spawn
// registration, strictly before the first step.
func (e *Env) bind(id sovelma.TaskID) { e.task = id }

// Fuel reports the fuel remaining in the current slice.
func (e *Env) Fuel() uint64 { return e.fuel }

// Refill restores a full quantum. The executor calls it before every step.
func (e *Env) Refill() { e.fuel = e.quantum }

func (e *Env) begin(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.ctx = ctx
}

// Context is the context of the step currently driving the task. The
// engine adapter threads it into guest calls.
func (e *Env) Context() context.Context {
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// resolve maps a descriptor to a live, sufficiently-privileged entry of
// an accepted kind. Failures here are synchronous guest errors: nothing
// is registered, nothing is charged.
func (e *Env) resolve(desc int32, need cap.Rights, kinds ...cap.ObjectKind) (cap.Handle, cap.Entry, int32) {
	h, ok := e.caps.Lookup(desc)
	if !ok {
		return cap.Handle{}, cap.Entry{}, ErrnoBadHandle
	}
	ent, err := e.bridge.Table.Check(h, need)
	if err != nil {
		return cap.Handle{}, cap.Entry{}, Errno(err)
	}
	if len(kinds) > 0 {
		match := false
		for _, k := range kinds {
			if ent.Object.Kind == k {
				match = true
				break
			}
		}
		if !match {
			return cap.Handle{}, cap.Entry{}, ErrnoInvalid
		}
	}
	return h, ent, 0
}

// charge parks the task until the quantum covers the call's cost and
// returns that cost. Parking here has no side effects: the call simply
// re-runs its attempt from scratch on the next slice.
func (e *Env) charge(op Op) uint64 {
	c := cost(op)
	for e.fuel < c {
		e.session.yieldQuantum()
	}
	return c
}

// spend deducts fuel for an attempt that actually ran.
func (e *Env) spend(c uint64) {
	e.fuel -= c
}

// fail maps a collaborator error to its guest result code. Unclassified
// errors collapse to ErrnoFault on the wire; their host-side detail goes
// to the log before it is lost.
func (e *Env) fail(op Op, err error) int32 {
	v := Errno(err)
	if v == ErrnoFault {
		e.bridge.logger().Warn("host call failed",
			zap.Stringer("op", op),
			zap.Uint64("task", uint64(e.task)),
			zap.Error(err))
	}
	return v
}

// Yield surrenders the rest of the slice voluntarily.
func (e *Env) Yield() {
	c := e.charge(OpYield)
	e.spend(c)
	e.session.yieldQuantum()
}

// Sleep parks the task for at least d. Returns 0 on wakeup.
func (e *Env) Sleep(d time.Duration) int32 {
	c := e.charge(OpSleep)
	if d <= 0 {
		e.spend(c)
		return 0
	}
	if e.bridge.Timer == nil {
		e.spend(c)
		return ErrnoGone
	}
	p := NewPending(e.task, OpSleep)
	e.bridge.Timer.After(d, p)
	v, _ := e.session.block(p)
	e.spend(c)
	if v == ErrnoTimedOut {
		return 0
	}
	return v
}

// Log writes msg to the serial port behind desc. Requires write rights
// on a serial-port capability.
func (e *Env) Log(desc int32, level uint8, msg []byte) int32 {
	_, ent, errno := e.resolve(desc, cap.RightWrite, cap.ObjectSerialPort)
	if errno != 0 {
		return errno
	}
	c := e.charge(OpLog)
	e.spend(c)
	if e.bridge.Console == nil {
		return ErrnoGone
	}
	if err := e.bridge.Console.WritePort(ent.Object.ID, level, msg); err != nil {
		return e.fail(OpLog, err)
	}
	return 0
}

// Send queues data on the endpoint or socket behind desc, parking the
// task while the peer's queue is full. When a parked send is finally
// resumed the payload has already been delivered by the collaborator;
// the call never re-runs.
func (e *Env) Send(desc int32, data []byte) int32 {
	_, ent, errno := e.resolve(desc, cap.RightWrite, cap.ObjectIpcEndpoint, cap.ObjectNetworkSocket)
	if errno != 0 {
		return errno
	}
	c := e.charge(OpSend)

	p := NewPending(e.task, OpSend)
	var (
		done bool
		err  error
	)
	switch ent.Object.Kind {
	case cap.ObjectIpcEndpoint:
		if e.bridge.IPC == nil {
			e.spend(c)
			return ErrnoGone
		}
		done, err = e.bridge.IPC.Send(ent.Object.ID, data, p)
	default:
		if e.bridge.Net == nil {
			e.spend(c)
			return ErrnoGone
		}
		done, err = e.bridge.Net.Send(ent.Object.ID, data, p)
	}
	if err != nil {
		e.spend(c)
		return e.fail(OpSend, err)
	}
	if done {
		e.spend(c)
		return 0
	}

	v, _ := e.session.block(p)
	e.spend(c)
	if v >= 0 {
		return 0
	}
	return v
}

// Recv takes the next message (endpoint) or up to max bytes (socket)
// from desc, parking the task while nothing is available. A timeout of
// zero waits forever; expiry surfaces as a timed-out result code.
// Endpoint messages longer than max are truncated.
func (e *Env) Recv(desc int32, max int, timeout time.Duration) ([]byte, int32) {
	_, ent, errno := e.resolve(desc, cap.RightRead, cap.ObjectIpcEndpoint, cap.ObjectNetworkSocket)
	if errno != 0 {
		return nil, errno
	}
	if max <= 0 {
		return nil, ErrnoInvalid
	}
	c := e.charge(OpRecv)

	p := NewPending(e.task, OpRecv)
	var (
		data []byte
		ok   bool
		err  error
	)
	switch ent.Object.Kind {
	case cap.ObjectIpcEndpoint:
		if e.bridge.IPC == nil {
			e.spend(c)
			return nil, ErrnoGone
		}
		data, ok, err = e.bridge.IPC.Recv(ent.Object.ID, p)
	default:
		if e.bridge.Net == nil {
			e.spend(c)
			return nil, ErrnoGone
		}
		data, ok, err = e.bridge.Net.Recv(ent.Object.ID, max, p)
	}
	if err != nil {
		e.spend(c)
		return nil, e.fail(OpRecv, err)
	}
	if ok {
		e.spend(c)
		if len(data) > max {
			data = data[:max]
		}
		return data, 0
	}

	if timeout > 0 && e.bridge.Timer != nil {
		e.bridge.Timer.After(timeout, p)
	}
	v, data := e.session.block(p)
	e.spend(c)
	if v < 0 {
		return nil, v
	}
	if len(data) > max {
		data = data[:max]
	}
	return data, 0
}

// PollRecv waits until one of the descriptors is readable and returns
// its index in descs. Every descriptor is checked for read rights up
// front; a single pending record is watched on all of them, and the
// first settle wins. Closed or torn-down channels count as readable so
// the follow-up recv reports the condition.
func (e *Env) PollRecv(descs []int32, timeout time.Duration) int32 {
	if len(descs) == 0 || len(descs) > 32 {
		return ErrnoInvalid
	}
	ents := make([]cap.Entry, len(descs))
	for i, d := range descs {
		_, ent, errno := e.resolve(d, cap.RightRead, cap.ObjectIpcEndpoint, cap.ObjectNetworkSocket)
		if errno != 0 {
			return errno
		}
		ents[i] = ent
	}
	c := e.charge(OpPoll)

	for i, ent := range ents {
		ready, err := e.readable(ent)
		if err != nil || ready {
			e.spend(c)
			return int32(i)
		}
	}

	p := NewPending(e.task, OpPoll)
	for i, ent := range ents {
		if err := e.watch(ent, int32(i), p); err != nil {
			e.spend(c)
			return int32(i)
		}
	}
	if timeout > 0 && e.bridge.Timer != nil {
		e.bridge.Timer.After(timeout, p)
	}
	v, _ := e.session.block(p)
	e.spend(c)
	return v
}

func (e *Env) readable(ent cap.Entry) (bool, error) {
	if ent.Object.Kind == cap.ObjectIpcEndpoint {
		if e.bridge.IPC == nil {
			return false, nil
		}
		return e.bridge.IPC.Readable(ent.Object.ID)
	}
	if e.bridge.Net == nil {
		return false, nil
	}
	return e.bridge.Net.Readable(ent.Object.ID)
}

func (e *Env) watch(ent cap.Entry, tag int32, p *Pending) error {
	if ent.Object.Kind == cap.ObjectIpcEndpoint {
		return e.bridge.IPC.Watch(ent.Object.ID, tag, p)
	}
	return e.bridge.Net.Watch(ent.Object.ID, tag, p)
}

// OpenAt resolves path under the directory behind desc and mints a new
// descriptor for it. The requested mode must be within the directory
// capability's rights before any I/O happens; the child capability
// carries exactly the requested mode and hangs off the directory entry,
// so revoking the directory revokes everything opened through it.
func (e *Env) OpenAt(desc int32, path string, flags OpenFlags) int32 {
	dirHandle, ent, errno := e.resolve(desc, 0, cap.ObjectDirectoryHandle)
	if errno != 0 {
		return errno
	}
	if !flags.valid() || path == "" {
		return ErrnoInvalid
	}
	mode := flags.Rights()
	if !ent.Rights.Has(mode) {
		return ErrnoExceeded
	}
	c := e.charge(OpOpen)

	if e.bridge.Store == nil {
		e.spend(c)
		return ErrnoGone
	}
	id, err := e.bridge.Store.Open(e.ctx, ent.Object.ID, path, flags)
	if err != nil {
		e.spend(c)
		return e.fail(OpOpen, err)
	}

	obj := cap.FileObject(id)
	if flags&OpenDir != 0 {
		obj = cap.DirectoryObject(id)
	}
	h, err := e.bridge.Table.Open(dirHandle, mode, e.task, obj)
	if err != nil {
		_ = e.bridge.Store.Close(e.ctx, id)
		e.spend(c)
		return Errno(err)
	}
	d := e.caps.Insert(h)
	e.spend(c)
	return d
}

// Read returns up to max bytes of the file behind desc starting at off.
// Reading at or past the end returns an empty slice and success.
func (e *Env) Read(desc int32, off int64, max int) ([]byte, int32) {
	_, ent, errno := e.resolve(desc, cap.RightRead, cap.ObjectFileHandle)
	if errno != 0 {
		return nil, errno
	}
	if off < 0 || max <= 0 {
		return nil, ErrnoInvalid
	}
	c := e.charge(OpRead)
	if e.bridge.Store == nil {
		e.spend(c)
		return nil, ErrnoGone
	}
	data, err := e.bridge.Store.ReadAt(e.ctx, ent.Object.ID, off, max)
	e.spend(c)
	if err != nil {
		return nil, e.fail(OpRead, err)
	}
	return data, 0
}

// Write stores data into the file behind desc at off, extending the file
// as needed, and returns the number of bytes written.
func (e *Env) Write(desc int32, off int64, data []byte) int32 {
	_, ent, errno := e.resolve(desc, cap.RightWrite, cap.ObjectFileHandle)
	if errno != 0 {
		return errno
	}
	if off < 0 {
		return ErrnoInvalid
	}
	c := e.charge(OpWrite)
	if e.bridge.Store == nil {
		e.spend(c)
		return ErrnoGone
	}
	n, err := e.bridge.Store.WriteAt(e.ctx, ent.Object.ID, off, data)
	e.spend(c)
	if err != nil {
		return e.fail(OpWrite, err)
	}
	return int32(n)
}

// Close drops the descriptor and revokes its entry, cascading to every
// capability derived from it. The table's reaper releases whatever
// resource sat behind the entry. Closing a descriptor whose entry was
// already revoked still succeeds: the mapping is gone either way.
func (e *Env) Close(desc int32) int32 {
	h, ok := e.caps.Lookup(desc)
	if !ok {
		return ErrnoBadHandle
	}
	c := e.charge(OpClose)
	e.caps.Remove(desc)
	_ = e.bridge.Table.Revoke(h)
	e.spend(c)
	return 0
}

// CapInfo is one row of a task's descriptor listing.
type CapInfo struct {
	Desc   int32
	Kind   cap.ObjectKind
	Rights cap.Rights
}

// Caps lists the task's live descriptors in ascending order. Descriptors
// whose entries have been revoked out from under the task are omitted.
func (e *Env) Caps() []CapInfo {
	c := e.charge(OpCaps)
	e.spend(c)

	var out []CapInfo
	e.caps.Each(func(desc int32, h cap.Handle) bool {
		ent, err := e.bridge.Table.Check(h, 0)
		if err != nil {
			return true
		}
		out = append(out, CapInfo{Desc: desc, Kind: ent.Object.Kind, Rights: ent.Rights})
		return true
	})
	return out
}
