package wasm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/spihlava/SovelmaOS/errors"
	"github.com/spihlava/SovelmaOS/hostcall"
)

// Module is a compiled guest binary, instantiated once per task.
type Module struct {
	rt       *Runtime
	compiled wazero.CompiledModule
}

// HasExport reports whether the binary exports a function under name.
// Spawning validates the entry with it instead of faulting later.
func (m *Module) HasExport(name string) bool {
	_, ok := m.compiled.ExportedFunctions()[name]
	return ok
}

// Exports lists the exported function names, sorted.
func (m *Module) Exports() []string {
	fns := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Module) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}

// Program adapts the module into a task program. Each invocation
// instantiates a fresh anonymous instance with its own linear memory,
// resolves the entry (falling back from run to _start) and runs it to
// its exit code. Engine traps come back classified into the fault
// taxonomy.
func (m *Module) Program(entry string) hostcall.Program {
	if entry == "" {
		entry = DefaultEntry
	}
	return func(env *hostcall.Env) (int32, error) {
		ctx := hostcall.WithEnv(env.Context(), env)

		modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions()
		inst, err := m.rt.runtime.InstantiateModule(ctx, m.compiled, modCfg)
		if err != nil {
			return 0, errors.Trap(fmt.Errorf("instantiate: %w", err))
		}
		defer inst.Close(ctx)

		fn := inst.ExportedFunction(entry)
		if fn == nil && entry == DefaultEntry {
			fn = inst.ExportedFunction(FallbackEntry)
		}
		if fn == nil {
			return 0, errors.IllegalOp("module exports no entry function " + entry)
		}

		m.rt.log.Debug("guest entry",
			zap.Uint64("task", uint64(env.Task())),
			zap.String("entry", entry))

		results, err := fn.Call(ctx)
		if err != nil {
			return 0, classifyFault(err)
		}
		if len(results) > 0 {
			return api.DecodeI32(results[0]), nil
		}
		return 0, nil
	}
}

// classifyFault maps an engine error onto the fault taxonomy by its
// trap text. Anything unrecognized stays a plain trap.
func classifyFault(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "out of bounds memory access"):
		return errors.OutOfBoundsAccess(msg)
	case strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "integer divide by zero"),
		strings.Contains(msg, "integer overflow"):
		return errors.IllegalOp(msg)
	default:
		return errors.Trap(err)
	}
}
