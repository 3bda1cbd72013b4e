package wasm

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/spihlava/SovelmaOS/hostcall"
)

// registerHost instantiates the "sovelma" import module. Every function
// decodes its arguments off the wazero stack, runs the matching Env
// operation and encodes the errno-or-value result back. Bad guest
// pointers come back as a fault code; they never kill the runtime.
func (r *Runtime) registerHost(ctx context.Context) error {
	b := r.runtime.NewHostModuleBuilder(HostModule)

	i32 := api.ValueTypeI32
	i64 := api.ValueTypeI64

	type hostFn struct {
		name    string
		params  []api.ValueType
		results []api.ValueType
		fn      api.GoModuleFunc
	}

	fns := []hostFn{
		{"sp_yield", nil, []api.ValueType{i32}, spYield},
		{"sp_sleep", []api.ValueType{i64}, []api.ValueType{i32}, spSleep},
		{"sp_log", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, spLog},
		{"sp_send", []api.ValueType{i32, i32, i32}, []api.ValueType{i32}, spSend},
		{"sp_recv", []api.ValueType{i32, i32, i32, i64}, []api.ValueType{i32}, spRecv},
		{"sp_poll", []api.ValueType{i32, i32, i64}, []api.ValueType{i32}, spPoll},
		{"sp_open", []api.ValueType{i32, i32, i32, i32}, []api.ValueType{i32}, spOpen},
		{"sp_read", []api.ValueType{i32, i64, i32, i32}, []api.ValueType{i32}, spRead},
		{"sp_write", []api.ValueType{i32, i64, i32, i32}, []api.ValueType{i32}, spWrite},
		{"sp_close", []api.ValueType{i32}, []api.ValueType{i32}, spClose},
		{"sp_caps", []api.ValueType{i32, i32}, []api.ValueType{i32}, spCaps},
	}
	for _, f := range fns {
		b.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}

	_, err := b.Instantiate(ctx)
	return err
}

// env pulls the calling task's environment off the context. A miss is a
// wiring bug in the embedder, not a guest mistake.
func env(ctx context.Context) *hostcall.Env {
	e, ok := hostcall.EnvFrom(ctx)
	if !ok {
		panic("wasm: host call without task environment on context")
	}
	return e
}

func ret(stack []uint64, v int32) {
	stack[0] = api.EncodeI32(v)
}

// duration clamps a guest nanosecond count. Negative waits mean "no
// deadline", same as zero.
func duration(raw uint64) time.Duration {
	ns := int64(raw)
	if ns < 0 {
		return 0
	}
	return time.Duration(ns)
}

func spYield(ctx context.Context, _ api.Module, stack []uint64) {
	env(ctx).Yield()
	ret(stack, 0)
}

func spSleep(ctx context.Context, _ api.Module, stack []uint64) {
	ret(stack, env(ctx).Sleep(duration(stack[0])))
}

func spLog(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	level := uint8(api.DecodeU32(stack[1]))
	ptr, n := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

	msg, ok := mod.Memory().Read(ptr, n)
	if !ok {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, env(ctx).Log(desc, level, msg))
}

func spSend(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	ptr, n := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])

	data, ok := mod.Memory().Read(ptr, n)
	if !ok {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, env(ctx).Send(desc, data))
}

func spRecv(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	ptr := api.DecodeU32(stack[1])
	max := api.DecodeI32(stack[2])
	timeout := duration(stack[3])

	data, rc := env(ctx).Recv(desc, int(max), timeout)
	if rc < 0 {
		ret(stack, rc)
		return
	}
	if !mod.Memory().Write(ptr, data) {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, int32(len(data)))
}

func spPoll(ctx context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	count := api.DecodeI32(stack[1])
	timeout := duration(stack[2])

	if count <= 0 || count > 32 {
		ret(stack, hostcall.ErrnoInvalid)
		return
	}
	raw, ok := mod.Memory().Read(ptr, uint32(count)*4)
	if !ok {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	descs := make([]int32, count)
	for i := range descs {
		descs[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	ret(stack, env(ctx).PollRecv(descs, timeout))
}

func spOpen(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	ptr, n := api.DecodeU32(stack[1]), api.DecodeU32(stack[2])
	mode := hostcall.OpenFlags(api.DecodeU32(stack[3]))

	path, ok := mod.Memory().Read(ptr, n)
	if !ok {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, env(ctx).OpenAt(desc, string(path), mode))
}

func spRead(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	off := int64(stack[1])
	ptr := api.DecodeU32(stack[2])
	max := api.DecodeI32(stack[3])

	data, rc := env(ctx).Read(desc, off, int(max))
	if rc < 0 {
		ret(stack, rc)
		return
	}
	if !mod.Memory().Write(ptr, data) {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, int32(len(data)))
}

func spWrite(ctx context.Context, mod api.Module, stack []uint64) {
	desc := api.DecodeI32(stack[0])
	off := int64(stack[1])
	ptr, n := api.DecodeU32(stack[2]), api.DecodeU32(stack[3])

	data, ok := mod.Memory().Read(ptr, n)
	if !ok {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, env(ctx).Write(desc, off, data))
}

func spClose(ctx context.Context, _ api.Module, stack []uint64) {
	ret(stack, env(ctx).Close(api.DecodeI32(stack[0])))
}

// capsRowSize is the packed layout of one sp_caps row: descriptor i32
// little-endian, kind byte, rights byte, two bytes of padding.
const capsRowSize = 8

func spCaps(ctx context.Context, mod api.Module, stack []uint64) {
	ptr := api.DecodeU32(stack[0])
	max := api.DecodeI32(stack[1])

	infos := env(ctx).Caps()
	if max <= 0 {
		// Size query: how many rows a full listing needs.
		ret(stack, int32(len(infos)))
		return
	}
	if int32(len(infos)) > max {
		infos = infos[:max]
	}

	buf := make([]byte, len(infos)*capsRowSize)
	for i, ci := range infos {
		row := buf[i*capsRowSize:]
		binary.LittleEndian.PutUint32(row, uint32(ci.Desc))
		row[4] = byte(ci.Kind)
		row[5] = byte(ci.Rights)
	}
	if !mod.Memory().Write(ptr, buf) {
		ret(stack, hostcall.ErrnoFault)
		return
	}
	ret(stack, int32(len(infos)))
}
