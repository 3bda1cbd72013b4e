// Package sovelma provides a capability-gated asynchronous execution engine:
// the portable core of the SovelmaOS microkernel runtime.
//
// Guest tasks (WebAssembly modules or in-process Go programs) run under a
// cooperative single-threaded executor. Every interaction with a kernel
// object passes through an explicit capability check, and host calls that
// cannot complete immediately suspend the calling task and resume it later
// with an injected result.
//
// # Architecture Overview
//
// The module is organized into packages with distinct responsibilities:
//
//	sovelma/             Root package with shared task identity and events
//	├── cap/             Capability table: rights, handles, revocation
//	├── task/            Task state machine and priority executor
//	├── hostcall/        Host-call bridge: fuel, suspension, guest ops
//	├── fs/              File store collaborator (RAM tree and SQLite)
//	├── ipc/             Endpoint router with bounded mailboxes
//	├── netstack/        Loopback socket stack with external delivery
//	├── hal/             Clock, timers, GPIO and serial ports
//	├── wasm/            wazero adapter and the sovelma import ABI
//	├── manifest/        TOML module manifests and grant declarations
//	├── kernel/          Assembly: boot, spawn, run loop, event journal
//	├── errors/          Structured kernel error taxonomy
//	└── cmd/sovelma/     Development harness with a live monitor
//
// # Quick Start
//
// Boot a kernel, compile a guest, spawn it under its manifest grants and
// run the system to completion:
//
//	k, err := kernel.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer k.Shutdown()
//
//	rt, err := wasm.NewRuntime(ctx, wasm.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	man, err := manifest.LoadFile("hello.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mod, err := rt.Compile(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := k.SpawnModule(mod, man); err != nil {
//	    log.Fatal(err)
//	}
//	k.Run(ctx)
//
// # Concurrency Model
//
// The executor is cooperative and logically single-threaded: one task runs
// at a time, and control returns to the scheduler only at host-call
// boundaries. Kernel structures carry coarse locks so that host programs
// may feed collaborators (sockets, serial ports) from other goroutines;
// those inputs are drained on the executor's thread during its poll pass.
package sovelma
