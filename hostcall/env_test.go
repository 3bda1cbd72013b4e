package hostcall

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
	"github.com/spihlava/SovelmaOS/errors"
)

// scriptEndpoints is a hand-driven Endpoints: tests preload messages,
// mark mailboxes full and settle captured registrations themselves.
type scriptEndpoints struct {
	msgs    map[uint32][][]byte
	full    map[uint32]bool
	gone    map[uint32]bool
	sent    map[uint32][][]byte
	blocked []*Pending
	watched []watchReg
}

type watchReg struct {
	id  uint32
	tag int32
	p   *Pending
}

func newScriptEndpoints() *scriptEndpoints {
	return &scriptEndpoints{
		msgs: make(map[uint32][][]byte),
		full: make(map[uint32]bool),
		gone: make(map[uint32]bool),
		sent: make(map[uint32][][]byte),
	}
}

func (s *scriptEndpoints) Send(id uint32, msg []byte, p *Pending) (bool, error) {
	if s.gone[id] {
		return false, errors.ResourceGone("send", "endpoint closed")
	}
	if s.full[id] {
		if p != nil {
			s.blocked = append(s.blocked, p)
		}
		return false, nil
	}
	cp := append([]byte(nil), msg...)
	s.sent[id] = append(s.sent[id], cp)
	return true, nil
}

func (s *scriptEndpoints) Recv(id uint32, p *Pending) ([]byte, bool, error) {
	if s.gone[id] {
		return nil, false, errors.ResourceGone("recv", "endpoint closed")
	}
	if q := s.msgs[id]; len(q) > 0 {
		s.msgs[id] = q[1:]
		return q[0], true, nil
	}
	if p != nil {
		s.blocked = append(s.blocked, p)
	}
	return nil, false, nil
}

func (s *scriptEndpoints) Watch(id uint32, tag int32, p *Pending) error {
	if s.gone[id] {
		return errors.ResourceGone("poll", "endpoint closed")
	}
	s.watched = append(s.watched, watchReg{id: id, tag: tag, p: p})
	return nil
}

func (s *scriptEndpoints) Readable(id uint32) (bool, error) {
	if s.gone[id] {
		return false, errors.ResourceGone("poll", "endpoint closed")
	}
	return len(s.msgs[id]) > 0, nil
}

func (s *scriptEndpoints) Close(id uint32) error {
	s.gone[id] = true
	return nil
}

// scriptStorage mints sequential file ids and records opens and closes.
type scriptStorage struct {
	nextID  uint32
	files   map[uint32][]byte
	missing map[string]bool
	opened  []string
	ids     []uint32
	closed  []uint32
}

func (s *scriptStorage) didClose(id uint32) bool {
	for _, c := range s.closed {
		if c == id {
			return true
		}
	}
	return false
}

func newScriptStorage() *scriptStorage {
	return &scriptStorage{
		nextID:  100,
		files:   make(map[uint32][]byte),
		missing: make(map[string]bool),
	}
}

func (s *scriptStorage) Open(ctx context.Context, dir uint32, path string, flags OpenFlags) (uint32, error) {
	if s.missing[path] && flags&OpenCreate == 0 {
		return 0, errors.NotFound("open", path)
	}
	s.nextID++
	s.opened = append(s.opened, path)
	s.ids = append(s.ids, s.nextID)
	if _, ok := s.files[s.nextID]; !ok {
		s.files[s.nextID] = nil
	}
	return s.nextID, nil
}

func (s *scriptStorage) ReadAt(ctx context.Context, file uint32, off int64, max int) ([]byte, error) {
	data, ok := s.files[file]
	if !ok {
		return nil, errors.ResourceGone("read", "file handle released")
	}
	if off >= int64(len(data)) {
		return nil, nil
	}
	end := off + int64(max)
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return append([]byte(nil), data[off:end]...), nil
}

func (s *scriptStorage) WriteAt(ctx context.Context, file uint32, off int64, data []byte) (int, error) {
	cur, ok := s.files[file]
	if !ok {
		return 0, errors.ResourceGone("write", "file handle released")
	}
	need := off + int64(len(data))
	if int64(len(cur)) < need {
		grown := make([]byte, need)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[off:], data)
	s.files[file] = cur
	return len(data), nil
}

func (s *scriptStorage) Close(ctx context.Context, file uint32) error {
	s.closed = append(s.closed, file)
	delete(s.files, file)
	return nil
}

type armedTimer struct {
	d time.Duration
	p *Pending
}

type scriptTimers struct {
	armed []armedTimer
}

func (s *scriptTimers) After(d time.Duration, p *Pending) {
	s.armed = append(s.armed, armedTimer{d: d, p: p})
}

type consoleLine struct {
	port  uint32
	level uint8
	text  string
}

type scriptConsole struct {
	lines []consoleLine
}

func (s *scriptConsole) WritePort(port uint32, level uint8, msg []byte) error {
	s.lines = append(s.lines, consoleLine{port: port, level: level, text: string(msg)})
	return nil
}

type envFixture struct {
	table   *cap.Table
	set     *cap.Set
	ipc     *scriptEndpoints
	store   *scriptStorage
	timers  *scriptTimers
	console *scriptConsole
	env     *Env
}

func newFixture(t *testing.T) *envFixture {
	t.Helper()
	f := &envFixture{
		table:   cap.NewTable(),
		set:     cap.NewSet(),
		ipc:     newScriptEndpoints(),
		store:   newScriptStorage(),
		timers:  &scriptTimers{},
		console: &scriptConsole{},
	}
	b := &Bridge{
		Table:   f.table,
		Store:   f.store,
		IPC:     f.ipc,
		Timer:   f.timers,
		Console: f.console,
	}
	f.env = NewEnv(b, 1, f.set, 1000)
	f.table.SetReaper(func(o cap.Object) {
		switch o.Kind {
		case cap.ObjectFileHandle, cap.ObjectDirectoryHandle:
			_ = f.store.Close(context.Background(), o.ID)
		case cap.ObjectIpcEndpoint:
			_ = f.ipc.Close(o.ID)
		}
	})
	return f
}

func (f *envFixture) grant(t *testing.T, obj cap.Object, rights cap.Rights) int32 {
	t.Helper()
	h, err := f.table.Create(obj, rights, sovelma.TaskID(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return f.set.Insert(h)
}

func TestEnvSendImmediate(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(5), cap.RightWrite)

	var before, after uint64
	s := NewSession(f.env, func(e *Env) (int32, error) {
		before = e.Fuel()
		rc := e.Send(d, []byte("ping"))
		after = e.Fuel()
		return rc, nil
	})
	r := stepFresh(f.env, s)
	if r.Status != StepDone || r.Exit != 0 {
		t.Fatalf("result = %+v, want done 0", r)
	}
	if got := f.ipc.sent[5]; len(got) != 1 || string(got[0]) != "ping" {
		t.Fatalf("sent = %q, want one ping", got)
	}
	if before-after != fuelSend {
		t.Fatalf("fuel spent = %d, want %d", before-after, fuelSend)
	}
}

func TestEnvSendInsufficientRightsIsFree(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(5), cap.RightRead) // no write

	var before, after uint64
	s := NewSession(f.env, func(e *Env) (int32, error) {
		before = e.Fuel()
		rc := e.Send(d, []byte("ping"))
		after = e.Fuel()
		return rc, nil
	})
	r := stepFresh(f.env, s)
	if r.Exit != ErrnoNoAccess {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoNoAccess)
	}
	if before != after {
		t.Fatalf("security failure burned %d fuel", before-after)
	}
	if len(f.ipc.sent[5]) != 0 || len(f.ipc.blocked) != 0 {
		t.Fatal("security failure must not reach the collaborator")
	}
}

func TestEnvSendWrongKind(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.SerialObject(1), cap.RightWrite)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.Send(d, []byte("x")), nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoInvalid {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoInvalid)
	}
}

func TestEnvRecvImmediateTruncates(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(9), cap.RightRead)
	f.ipc.msgs[9] = [][]byte{[]byte("hello world")}

	var got []byte
	s := NewSession(f.env, func(e *Env) (int32, error) {
		data, rc := e.Recv(d, 5, 0)
		got = data
		return rc, nil
	})
	if r := stepFresh(f.env, s); r.Exit != 0 {
		t.Fatalf("exit = %d, want 0", r.Exit)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want truncated hello", got)
	}
}

func TestEnvRecvBlocksThenResumes(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(9), cap.RightRead)

	var got []byte
	s := NewSession(f.env, func(e *Env) (int32, error) {
		data, rc := e.Recv(d, 64, 0)
		got = data
		return rc, nil
	})

	r := stepFresh(f.env, s)
	if r.Status != StepBlocked || r.Pending == nil {
		t.Fatalf("result = %+v, want blocked with pending", r)
	}
	if len(f.ipc.blocked) != 1 || f.ipc.blocked[0] != r.Pending {
		t.Fatal("pending not registered with the collaborator")
	}

	r.Pending.Complete(5, []byte("later"))

	r = stepFresh(f.env, s)
	if r.Status != StepDone || r.Exit != 0 {
		t.Fatalf("resumed result = %+v, want done 0", r)
	}
	if string(got) != "later" {
		t.Fatalf("got %q, want later", got)
	}
}

func TestEnvRecvDeadlineExpires(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(9), cap.RightRead)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		_, rc := e.Recv(d, 64, 50*time.Millisecond)
		return rc, nil
	})

	r := stepFresh(f.env, s)
	if r.Status != StepBlocked {
		t.Fatalf("status = %v, want blocked", r.Status)
	}
	if len(f.timers.armed) != 1 || f.timers.armed[0].p != r.Pending {
		t.Fatal("deadline not armed on the same pending")
	}
	if f.timers.armed[0].d != 50*time.Millisecond {
		t.Fatalf("armed %v, want 50ms", f.timers.armed[0].d)
	}

	r.Pending.Expire()

	if r = stepFresh(f.env, s); r.Exit != ErrnoTimedOut {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoTimedOut)
	}
}

func TestEnvRecvRevokedDescriptor(t *testing.T) {
	f := newFixture(t)
	h, err := f.table.Create(cap.EndpointObject(9), cap.RightRead, 1)
	if err != nil {
		t.Fatal(err)
	}
	d := f.set.Insert(h)
	if err := f.table.Revoke(h); err != nil {
		t.Fatal(err)
	}

	s := NewSession(f.env, func(e *Env) (int32, error) {
		_, rc := e.Recv(d, 8, 0)
		return rc, nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoRevoked {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoRevoked)
	}
}

func TestEnvBlockedSendDeliversOnce(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.EndpointObject(3), cap.RightWrite)
	f.ipc.full[3] = true

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.Send(d, []byte("queued")), nil
	})

	r := stepFresh(f.env, s)
	if r.Status != StepBlocked {
		t.Fatalf("status = %v, want blocked", r.Status)
	}
	if len(f.ipc.sent[3]) != 0 {
		t.Fatal("nothing should be delivered while blocked")
	}

	// The collaborator delivers the retained copy itself, then settles.
	f.ipc.sent[3] = append(f.ipc.sent[3], []byte("queued"))
	r.Pending.Complete(0, nil)

	r = stepFresh(f.env, s)
	if r.Status != StepDone || r.Exit != 0 {
		t.Fatalf("resumed result = %+v, want done 0", r)
	}
	if len(f.ipc.sent[3]) != 1 {
		t.Fatalf("delivered %d times, want exactly once", len(f.ipc.sent[3]))
	}
}

func TestEnvPollImmediate(t *testing.T) {
	f := newFixture(t)
	d1 := f.grant(t, cap.EndpointObject(1), cap.RightRead)
	d2 := f.grant(t, cap.EndpointObject(2), cap.RightRead)
	f.ipc.msgs[2] = [][]byte{[]byte("ready")}

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.PollRecv([]int32{d1, d2}, 0), nil
	})
	if r := stepFresh(f.env, s); r.Exit != 1 {
		t.Fatalf("exit = %d, want index 1", r.Exit)
	}
	if len(f.ipc.watched) != 0 {
		t.Fatal("immediate readiness must not register watchers")
	}
}

func TestEnvPollBlocksAndWakesByTag(t *testing.T) {
	f := newFixture(t)
	d1 := f.grant(t, cap.EndpointObject(1), cap.RightRead)
	d2 := f.grant(t, cap.EndpointObject(2), cap.RightRead)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.PollRecv([]int32{d1, d2}, 0), nil
	})

	r := stepFresh(f.env, s)
	if r.Status != StepBlocked {
		t.Fatalf("status = %v, want blocked", r.Status)
	}
	if len(f.ipc.watched) != 2 {
		t.Fatalf("watched %d endpoints, want 2", len(f.ipc.watched))
	}
	if f.ipc.watched[0].p != r.Pending || f.ipc.watched[1].p != r.Pending {
		t.Fatal("all watchers must share one pending")
	}

	// Data lands on the second endpoint; its watcher settles with its tag.
	w := f.ipc.watched[1]
	w.p.Complete(w.tag, nil)

	if r = stepFresh(f.env, s); r.Exit != 1 {
		t.Fatalf("exit = %d, want index 1", r.Exit)
	}
}

func TestEnvPollRejectsUnreadable(t *testing.T) {
	f := newFixture(t)
	d1 := f.grant(t, cap.EndpointObject(1), cap.RightRead)
	d2 := f.grant(t, cap.EndpointObject(2), cap.RightWrite) // not readable

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.PollRecv([]int32{d1, d2}, 0), nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoNoAccess {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoNoAccess)
	}
}

func TestEnvOpenModeBeyondDirFailsBeforeIO(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.DirectoryObject(1), cap.RightRead)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.OpenAt(d, "log.txt", OpenRead|OpenWrite), nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoExceeded {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoExceeded)
	}
	if len(f.store.opened) != 0 {
		t.Fatal("rights failure must precede any storage access")
	}
}

func TestEnvOpenReadWriteRoundTrip(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.DirectoryObject(1), cap.RightRead|cap.RightWrite)

	var fileDesc int32
	var readBack []byte
	s := NewSession(f.env, func(e *Env) (int32, error) {
		fd := e.OpenAt(d, "notes/today.txt", OpenRead|OpenWrite|OpenCreate)
		if fd < 0 {
			return fd, nil
		}
		fileDesc = fd
		if rc := e.Write(fd, 0, []byte("first line")); rc < 0 {
			return rc, nil
		}
		data, rc := e.Read(fd, 6, 16)
		if rc < 0 {
			return rc, nil
		}
		readBack = data
		return 0, nil
	})
	if r := stepFresh(f.env, s); r.Status != StepDone || r.Exit != 0 {
		t.Fatalf("result = %+v, want done 0", r)
	}
	if fileDesc <= 0 {
		t.Fatalf("descriptor = %d, want positive", fileDesc)
	}
	if string(readBack) != "line" {
		t.Fatalf("read %q, want line", readBack)
	}

	// The minted entry hangs off the directory entry with exactly the
	// requested mode.
	h, ok := f.set.Lookup(fileDesc)
	if !ok {
		t.Fatal("descriptor not mapped")
	}
	ent, err := f.table.Check(h, cap.RightRead|cap.RightWrite)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if ent.Object.Kind != cap.ObjectFileHandle {
		t.Fatalf("kind = %v, want file", ent.Object.Kind)
	}
}

func TestEnvOpenMissingFile(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.DirectoryObject(1), cap.RightRead)
	f.store.missing["absent.txt"] = true

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.OpenAt(d, "absent.txt", OpenRead), nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoNotFound {
		t.Fatalf("exit = %d, want %d", r.Exit, ErrnoNotFound)
	}
}

func TestEnvCloseReapsResource(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.DirectoryObject(1), cap.RightRead|cap.RightWrite)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		fd := e.OpenAt(d, "tmp.bin", OpenWrite|OpenCreate)
		if fd < 0 {
			return fd, nil
		}
		if rc := e.Close(fd); rc != 0 {
			return rc, nil
		}
		// The descriptor is gone and the entry revoked.
		return e.Write(fd, 0, []byte("x")), nil
	})
	r := stepFresh(f.env, s)
	if r.Exit != ErrnoBadHandle {
		t.Fatalf("write after close = %d, want %d", r.Exit, ErrnoBadHandle)
	}
	if len(f.store.ids) != 1 || !f.store.didClose(f.store.ids[0]) {
		t.Fatalf("storage handle %v not released, closed %v", f.store.ids, f.store.closed)
	}
}

func TestEnvCloseDirCascadesToOpenFiles(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.DirectoryObject(1), cap.RightRead|cap.RightWrite)

	var fileDesc int32
	s := NewSession(f.env, func(e *Env) (int32, error) {
		fileDesc = e.OpenAt(d, "a.txt", OpenRead|OpenCreate|OpenWrite)
		if fileDesc < 0 {
			return fileDesc, nil
		}
		if rc := e.Close(d); rc != 0 {
			return rc, nil
		}
		// The file entry was derived from the directory entry, so the
		// cascade took it down too; only the stale descriptor remains.
		_, rc := e.Read(fileDesc, 0, 4)
		return rc, nil
	})
	r := stepFresh(f.env, s)
	if r.Exit != ErrnoRevoked {
		t.Fatalf("read after dir close = %d, want %d", r.Exit, ErrnoRevoked)
	}
	if len(f.store.ids) != 1 || !f.store.didClose(f.store.ids[0]) {
		t.Fatalf("cascade missed storage handle %v, closed %v", f.store.ids, f.store.closed)
	}
}

func TestEnvLogToSerialPort(t *testing.T) {
	f := newFixture(t)
	d := f.grant(t, cap.SerialObject(2), cap.RightWrite)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		return e.Log(d, 1, []byte("boot ok")), nil
	})
	if r := stepFresh(f.env, s); r.Exit != 0 {
		t.Fatalf("exit = %d, want 0", r.Exit)
	}
	want := consoleLine{port: 2, level: 1, text: "boot ok"}
	if len(f.console.lines) != 1 || f.console.lines[0] != want {
		t.Fatalf("console = %+v, want %+v", f.console.lines, want)
	}
}

func TestEnvCapsListing(t *testing.T) {
	f := newFixture(t)
	f.grant(t, cap.EndpointObject(1), cap.RightRead|cap.RightWrite)
	serial := f.grant(t, cap.SerialObject(1), cap.RightWrite)

	h, _ := f.set.Lookup(serial)
	if err := f.table.Revoke(h); err != nil {
		t.Fatal(err)
	}

	var infos []CapInfo
	s := NewSession(f.env, func(e *Env) (int32, error) {
		infos = e.Caps()
		return 0, nil
	})
	if r := stepFresh(f.env, s); r.Status != StepDone {
		t.Fatalf("status = %v, want done", r.Status)
	}
	if len(infos) != 1 {
		t.Fatalf("listed %d entries, want 1 live", len(infos))
	}
	if infos[0].Kind != cap.ObjectIpcEndpoint || !infos[0].Rights.Has(cap.RightRead|cap.RightWrite) {
		t.Fatalf("info = %+v", infos[0])
	}
}

func TestEnvBadDescriptor(t *testing.T) {
	f := newFixture(t)
	s := NewSession(f.env, func(e *Env) (int32, error) {
		if _, rc := e.Recv(99, 8, 0); rc != ErrnoBadHandle {
			return rc, nil
		}
		if rc := e.Close(0); rc != ErrnoBadHandle {
			return rc, nil
		}
		return ErrnoBadHandle, nil
	})
	if r := stepFresh(f.env, s); r.Exit != ErrnoBadHandle {
		t.Fatalf("exit = %d, want %d everywhere", r.Exit, ErrnoBadHandle)
	}
}

// brokenStore fails every read with an error no taxonomy code covers.
type brokenStore struct{ Storage }

func (brokenStore) ReadAt(ctx context.Context, file uint32, off int64, max int) ([]byte, error) {
	return nil, fmt.Errorf("block device offline")
}

func TestEnvUnclassifiedErrorFaultsAndLogs(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zap.WarnLevel)
	f.env.bridge.Log = zap.New(core)
	f.env.bridge.Store = brokenStore{}
	d := f.grant(t, cap.FileObject(7), cap.RightRead)

	s := NewSession(f.env, func(e *Env) (int32, error) {
		_, rc := e.Read(d, 0, 8)
		return rc, nil
	})
	r := stepFresh(f.env, s)
	if r.Status != StepDone || r.Exit != ErrnoFault {
		t.Fatalf("result = %+v, want done %d", r, ErrnoFault)
	}

	// The guest only saw -10; the detail must survive in the log.
	entries := logs.All()
	if len(entries) != 1 || entries[0].Message != "host call failed" {
		t.Fatalf("log entries = %+v", entries)
	}
	fields := entries[0].ContextMap()
	if fields["op"] != "read" {
		t.Fatalf("logged op = %v, want read", fields["op"])
	}
	if err, _ := fields["error"].(string); err != "block device offline" {
		t.Fatalf("logged error = %v", fields["error"])
	}
}
