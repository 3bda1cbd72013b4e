package wasm

import (
	"context"
	"testing"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// Binary building helpers. Tests hand-encode their guests; the binaries
// stay small enough to read as section lists.

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func section(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb(uint32(len(payload)))...)
	return append(out, payload...)
}

func vec(items ...[]byte) []byte {
	out := uleb(uint32(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func str(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func wasmModule(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func codeBody(code ...byte) []byte {
	content := append([]byte{0x00}, code...) // no locals
	return append(uleb(uint32(len(content))), content...)
}

func exportFunc(name string, idx uint32) []byte {
	out := str(name)
	out = append(out, 0x00)
	return append(out, uleb(idx)...)
}

func exportMemory(name string, idx uint32) []byte {
	out := str(name)
	out = append(out, 0x02)
	return append(out, uleb(idx)...)
}

func importFunc(mod, field string, typeidx uint32) []byte {
	out := append(str(mod), str(field)...)
	out = append(out, 0x00)
	return append(out, uleb(typeidx)...)
}

var (
	typeNoneI32 = []byte{0x60, 0x00, 0x01, 0x7f}                               // () -> i32
	typeI32x2   = []byte{0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f}                   // (i32,i32) -> i32
	typeI32x4   = []byte{0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f}       // (i32,i32,i32,i32) -> i32
	memOnePage  = []byte{0x00, 0x01}                                           // min 1, no max
)

// exitModule exports run() returning code.
func exitModule(code int32) []byte {
	body := append([]byte{0x41}, sleb(code)...)
	body = append(body, 0x0b)
	return wasmModule(
		section(1, vec(typeNoneI32)),
		section(3, vec(uleb(0))),
		section(7, vec(exportFunc("run", 0))),
		section(10, vec(codeBody(body...))),
	)
}

// yieldModule imports sp_yield, parks twice, then returns 7.
func yieldModule() []byte {
	return wasmModule(
		section(1, vec(typeNoneI32)),
		section(2, vec(importFunc(HostModule, "sp_yield", 0))),
		section(3, vec(uleb(0))),
		section(7, vec(exportFunc("run", 1))),
		section(10, vec(codeBody(
			0x10, 0x00, 0x1a, // call sp_yield; drop
			0x10, 0x00, 0x1a,
			0x41, 0x07, // i32.const 7
			0x0b,
		))),
	)
}

// trapModule hits unreachable immediately.
func trapModule() []byte {
	return wasmModule(
		section(1, vec(typeNoneI32)),
		section(3, vec(uleb(0))),
		section(7, vec(exportFunc("run", 0))),
		section(10, vec(codeBody(0x00, 0x0b))),
	)
}

// oobModule loads far past its one memory page.
func oobModule() []byte {
	return wasmModule(
		section(1, vec(typeNoneI32)),
		section(3, vec(uleb(0))),
		section(5, vec(memOnePage)),
		section(7, vec(exportFunc("run", 0))),
		section(10, vec(codeBody(
			0x41, 0xff, 0xff, 0xff, 0xff, 0x07, // i32.const 0x7fffffff
			0x28, 0x02, 0x00, // i32.load align=2 offset=0
			0x0b,
		))),
	)
}

// logModule calls sp_log(desc 1, level 1, "boot ok") and returns its rc.
func logModule() []byte {
	data := append([]byte{0x00, 0x41, 0x08, 0x0b}, str("boot ok")...) // active seg at 8
	return wasmModule(
		section(1, vec(typeI32x4, typeNoneI32)),
		section(2, vec(importFunc(HostModule, "sp_log", 0))),
		section(3, vec(uleb(1))),
		section(5, vec(memOnePage)),
		section(7, vec(exportFunc("run", 1), exportMemory("memory", 0))),
		section(10, vec(codeBody(
			0x41, 0x01, // desc 1
			0x41, 0x01, // level 1
			0x41, 0x08, // ptr 8
			0x41, 0x07, // len 7
			0x10, 0x00, // call sp_log
			0x0b,
		))),
		section(11, vec(data)),
	)
}

// capsModule calls sp_caps(16, 4) and returns the kind byte of row 0.
func capsModule() []byte {
	return wasmModule(
		section(1, vec(typeI32x2, typeNoneI32)),
		section(2, vec(importFunc(HostModule, "sp_caps", 0))),
		section(3, vec(uleb(1))),
		section(5, vec(memOnePage)),
		section(7, vec(exportFunc("run", 1), exportMemory("memory", 0))),
		section(10, vec(codeBody(
			0x41, 0x10, // out ptr 16
			0x41, 0x04, // max 4 rows
			0x10, 0x00, 0x1a, // call sp_caps; drop
			0x41, 0x10, // i32.const 16
			0x2d, 0x00, 0x04, // i32.load8_u offset=4 (kind byte)
			0x0b,
		))),
	)
}

type recordedLine struct {
	port  uint32
	level uint8
	text  string
}

type fakeConsole struct {
	lines []recordedLine
}

func (c *fakeConsole) WritePort(port uint32, level uint8, msg []byte) error {
	c.lines = append(c.lines, recordedLine{port: port, level: level, text: string(msg)})
	return nil
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(context.Background(), Config{})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func newGuestEnv(bridge *hostcall.Bridge) (*hostcall.Env, *cap.Set) {
	if bridge.Table == nil {
		bridge.Table = cap.NewTable()
	}
	set := cap.NewSet()
	return hostcall.NewEnv(bridge, sovelma.TaskID(1), set, 1000), set
}

func stepToResult(t *testing.T, s *hostcall.Session) hostcall.StepResult {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 64; i++ {
		s.Refill()
		res := s.Step(ctx)
		if res.Status != hostcall.StepYielded {
			return res
		}
	}
	t.Fatal("program still yielding after 64 slices")
	return hostcall.StepResult{}
}

func TestProgramRunsToExit(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), exitModule(42))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !mod.HasExport("run") {
		t.Fatal("run export not visible")
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("run"))
	s.Refill()
	res := s.Step(context.Background())
	if res.Status != hostcall.StepDone || res.Exit != 42 {
		t.Fatalf("result: %+v", res)
	}
}

func TestProgramYieldsAcrossSlices(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), yieldModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("run"))

	ctx := context.Background()
	yields := 0
	for {
		s.Refill()
		res := s.Step(ctx)
		if res.Status == hostcall.StepYielded {
			yields++
			continue
		}
		if res.Status != hostcall.StepDone || res.Exit != 7 {
			t.Fatalf("result: %+v", res)
		}
		break
	}
	if yields != 2 {
		t.Fatalf("yields: %d", yields)
	}
}

func TestTrapBecomesIllegalOpFault(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), trapModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("run"))
	res := stepToResult(t, s)
	if res.Status != hostcall.StepFaulted {
		t.Fatalf("result: %+v", res)
	}
	e, ok := errors.From(res.Fault)
	if !ok || e.Class != errors.ClassFault || e.Code != errors.CodeIllegalOp {
		t.Fatalf("fault: %v", res.Fault)
	}
}

func TestMemoryFaultBecomesOutOfBounds(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), oobModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("run"))
	res := stepToResult(t, s)
	if res.Status != hostcall.StepFaulted {
		t.Fatalf("result: %+v", res)
	}
	e, ok := errors.From(res.Fault)
	if !ok || e.Code != errors.CodeOutOfBounds {
		t.Fatalf("fault: %v", res.Fault)
	}
}

func TestMissingEntryFaults(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), exitModule(0))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("boot"))
	res := stepToResult(t, s)
	if res.Status != hostcall.StepFaulted {
		t.Fatalf("result: %+v", res)
	}
	e, ok := errors.From(res.Fault)
	if !ok || e.Code != errors.CodeIllegalOp {
		t.Fatalf("fault: %v", res.Fault)
	}
}

func TestGuestLogReachesConsole(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), logModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	console := &fakeConsole{}
	bridge := &hostcall.Bridge{Console: console}
	env, set := newGuestEnv(bridge)

	h, err := bridge.Table.Create(cap.SerialObject(3), cap.RightWrite, sovelma.TaskID(1))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if desc := set.Insert(h); desc != 1 {
		t.Fatalf("desc: %d", desc)
	}

	s := hostcall.NewSession(env, mod.Program("run"))
	res := stepToResult(t, s)
	if res.Status != hostcall.StepDone || res.Exit != 0 {
		t.Fatalf("result: %+v", res)
	}
	if len(console.lines) != 1 {
		t.Fatalf("console lines: %d", len(console.lines))
	}
	got := console.lines[0]
	if got.port != 3 || got.level != 1 || got.text != "boot ok" {
		t.Fatalf("line: %+v", got)
	}
}

func TestCapsRowLayout(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), capsModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	bridge := &hostcall.Bridge{}
	env, set := newGuestEnv(bridge)
	h, err := bridge.Table.Create(cap.SerialObject(0), cap.RightWrite, sovelma.TaskID(1))
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	set.Insert(h)

	s := hostcall.NewSession(env, mod.Program("run"))
	res := stepToResult(t, s)
	if res.Status != hostcall.StepDone {
		t.Fatalf("result: %+v", res)
	}
	// Row 0's kind byte sits at out+4 and must read back as serial.
	if got := cap.ObjectKind(res.Exit); got != cap.ObjectSerialPort {
		t.Fatalf("kind byte: %v", got)
	}
}

func TestKillWhileParkedInGuest(t *testing.T) {
	rt := newRuntime(t)
	mod, err := rt.Compile(context.Background(), yieldModule())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}

	env, _ := newGuestEnv(&hostcall.Bridge{})
	s := hostcall.NewSession(env, mod.Program("run"))
	s.Refill()
	res := s.Step(context.Background())
	if res.Status != hostcall.StepYielded {
		t.Fatalf("result: %+v", res)
	}
	s.Kill()
	s.Kill() // idempotent
}
