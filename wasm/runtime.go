// Package wasm adapts wazero to the task engine. A Runtime carries one
// wazero runtime with the "sovelma" host module registered; each task
// gets its own module instance and linear memory, driven as a program
// by its session goroutine. Host functions find the calling task's
// environment on the context.
package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// HostModule is the import namespace guests link against.
const HostModule = "sovelma"

// Entry names tried on a guest module, in order.
const (
	DefaultEntry  = "run"
	FallbackEntry = "_start"
)

type Config struct {
	// MemoryLimitPages caps each instance's linear memory (64 KiB pages).
	// Zero keeps wazero's default.
	MemoryLimitPages uint32
	Log              *zap.Logger
}

// Runtime owns the wazero runtime and its host module.
type Runtime struct {
	runtime wazero.Runtime
	log     *zap.Logger
}

func NewRuntime(ctx context.Context, cfg Config) (*Runtime, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runtime{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		log:     log,
	}
	if err := r.registerHost(ctx); err != nil {
		r.runtime.Close(ctx)
		return nil, fmt.Errorf("register host module: %w", err)
	}
	return r, nil
}

// Compile validates and pre-compiles a guest binary.
func (r *Runtime) Compile(ctx context.Context, wasmBytes []byte) (*Module, error) {
	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile failed: %w", err)
	}
	return &Module{rt: r, compiled: compiled}, nil
}

func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}
