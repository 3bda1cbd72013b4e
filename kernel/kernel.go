// Package kernel assembles the runtime: capability table, executor, and
// the collaborator set behind the host-call bridge. It turns manifests
// into spawned tasks whose descriptor sets hold exactly the declared
// grants, in declaration order starting at descriptor 1.
package kernel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
	"github.com/spihlava/SovelmaOS/fs"
	"github.com/spihlava/SovelmaOS/hal"
	"github.com/spihlava/SovelmaOS/hostcall"
	"github.com/spihlava/SovelmaOS/ipc"
	"github.com/spihlava/SovelmaOS/manifest"
	"github.com/spihlava/SovelmaOS/netstack"
	"github.com/spihlava/SovelmaOS/task"
	"github.com/spihlava/SovelmaOS/wasm"
)

const (
	// ConsolePort is the serial port every kernel brings up for guest
	// logging.
	ConsolePort uint32 = 0

	// DefaultGPIOLines is the pin bank size unless configured otherwise.
	DefaultGPIOLines = 16

	// DefaultEventKeep bounds the in-memory event tail.
	DefaultEventKeep = 128
)

// Store is the filesystem surface the kernel needs beyond the guest
// bridge: root handles for directory grants, tree setup for grant paths,
// and sizes for journal appends. fs.MemStore and fs.DiskStore implement it.
type Store interface {
	hostcall.Storage
	Root() uint32
	Mkdir(dir uint32, path string) (string, error)
	Stat(id uint32) (fs.Info, error)
}

type config struct {
	logger  *zap.Logger
	clock   hostcall.Clock
	store   Store
	table   *cap.Table
	quantum uint64
	gpio    int
	events  int
	journal string
	sup     sovelma.Supervisor
}

// Option configures a Kernel.
type Option func(*config)

// WithLogger installs the kernel logger. Default is a nop logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock substitutes the time source. Tests pass a manual clock.
func WithClock(cl hostcall.Clock) Option { return func(c *config) { c.clock = cl } }

// WithStorage installs the filesystem. Default is a fresh MemStore.
func WithStorage(s Store) Option { return func(c *config) { c.store = s } }

// WithTable installs a pre-sized capability table.
func WithTable(t *cap.Table) Option { return func(c *config) { c.table = t } }

// WithQuantum sets the default fuel refilled per slice for tasks whose
// manifest does not override it.
func WithQuantum(n uint64) Option { return func(c *config) { c.quantum = n } }

// WithGPIOLines sizes the pin bank.
func WithGPIOLines(n int) Option { return func(c *config) { c.gpio = n } }

// WithJournal appends task lifecycle events as CBOR records to path in
// the kernel's store.
func WithJournal(path string) Option { return func(c *config) { c.journal = path } }

// WithEventKeep bounds how many recent events the kernel retains for
// inspection.
func WithEventKeep(n int) Option { return func(c *config) { c.events = n } }

// WithSupervisor adds a supervisor to the event fanout.
func WithSupervisor(s sovelma.Supervisor) Option { return func(c *config) { c.sup = s } }

// Kernel owns one running system: the table everything is checked
// against, the executor driving the tasks, and the collaborators the
// bridge routes host calls to.
type Kernel struct {
	log    *zap.Logger
	table  *cap.Table
	exec   *task.Executor
	bridge *hostcall.Bridge

	store  Store
	router *ipc.Router
	stack  *netstack.Stack
	wheel  *hal.Wheel
	serial *hal.Serial
	gpio   *hal.GPIO
	clock  hostcall.Clock

	ring    *eventRing
	journal *Journal
	quantum uint64

	mu         sync.Mutex
	listeners  map[string]*listenerRec
	nextModule uint32
}

type listenerRec struct {
	set    *cap.Set
	rights cap.Rights
}

// New assembles a kernel. The returned kernel is idle; spawn tasks and
// call Run.
func New(opts ...Option) (*Kernel, error) {
	cfg := config{
		quantum: hostcall.DefaultQuantum,
		gpio:    DefaultGPIOLines,
		events:  DefaultEventKeep,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.clock == nil {
		cfg.clock = hal.WallClock{}
	}
	if cfg.store == nil {
		cfg.store = fs.NewMemStore()
	}
	if cfg.table == nil {
		cfg.table = cap.NewTable()
	}

	k := &Kernel{
		log:       cfg.logger,
		table:     cfg.table,
		store:     cfg.store,
		router:    ipc.NewRouter(),
		stack:     netstack.NewStack(),
		serial:    hal.NewSerial(0),
		gpio:      hal.NewGPIO(cfg.gpio),
		clock:     cfg.clock,
		quantum:   cfg.quantum,
		ring:      newEventRing(cfg.events),
		listeners: make(map[string]*listenerRec),
	}
	k.wheel = hal.NewWheel(k.clock)
	k.serial.AddPort(ConsolePort)

	sups := fanout{k.ring}
	if cfg.journal != "" {
		j, err := NewJournal(k.store, cfg.journal, k.log)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		k.journal = j
		sups = append(sups, j)
	}
	if cfg.sup != nil {
		sups = append(sups, cfg.sup)
	}

	k.exec = task.NewExecutor(task.Config{
		Clock:      k.clock,
		Deadlines:  k.wheel,
		Supervisor: sups,
		Logger:     k.log,
	})
	k.exec.RegisterPoller(k.wheel)
	k.exec.RegisterPoller(k.stack)

	k.bridge = &hostcall.Bridge{
		Table:   k.table,
		Store:   k.store,
		IPC:     k.router,
		Net:     k.stack,
		Timer:   k.wheel,
		Console: k.serial,
		Clock:   k.clock,
		Log:     k.log,
	}
	k.table.SetReaper(k.reap)
	return k, nil
}

// reap releases the resource behind a revoked entry. Open files and
// sockets are single-holder and die with their entry; endpoints are
// shared rendezvous points that outlive any one holder, so dropping a
// capability to one never tears it down.
func (k *Kernel) reap(obj cap.Object) {
	ctx := context.Background()
	switch obj.Kind {
	case cap.ObjectFileHandle, cap.ObjectDirectoryHandle:
		if err := k.store.Close(ctx, obj.ID); err != nil {
			k.log.Debug("reap file handle", zap.Uint32("id", obj.ID), zap.Error(err))
		}
	case cap.ObjectNetworkSocket:
		if err := k.stack.Close(obj.ID); err != nil {
			k.log.Debug("reap socket", zap.Uint32("id", obj.ID), zap.Error(err))
		}
	}
}

// SpawnModule materializes the manifest's grants plus the module's own
// exec handle, binds a wasm instance program to them, and queues the
// task. Returns the assigned task id.
func (k *Kernel) SpawnModule(mod *wasm.Module, man *manifest.Manifest) (sovelma.TaskID, error) {
	set := cap.NewSet()
	if err := k.materialize(set, man.Grants); err != nil {
		return 0, err
	}

	k.mu.Lock()
	k.nextModule++
	modID := k.nextModule
	k.mu.Unlock()
	h, err := k.table.Create(cap.ModuleObject(modID), cap.RightExec, sovelma.KernelTask)
	if err != nil {
		k.releaseSet(set)
		return 0, fmt.Errorf("module handle: %w", err)
	}
	set.Insert(h)

	quantum := man.Limits.Quantum
	if quantum == 0 {
		quantum = k.quantum
	}
	id := k.spawn(man.Module.Name, man.TaskPriority(), mod.Program(man.Module.Entry), set, quantum)
	return id, nil
}

// SpawnProgram runs a host-native program under the same grant and
// scheduling regime as a wasm module. Tests and built-in services use it.
func (k *Kernel) SpawnProgram(name string, prog hostcall.Program, prio sovelma.Priority, grants []manifest.Grant) (sovelma.TaskID, error) {
	set := cap.NewSet()
	if err := k.materialize(set, grants); err != nil {
		return 0, err
	}
	id := k.spawn(name, prio, prog, set, k.quantum)
	return id, nil
}

func (k *Kernel) spawn(name string, prio sovelma.Priority, prog hostcall.Program, set *cap.Set, quantum uint64) sovelma.TaskID {
	env := hostcall.NewEnv(k.bridge, sovelma.KernelTask, set, quantum)
	sess := hostcall.NewSession(env, prog)
	id := k.exec.Spawn(name, prio, sess, set)
	k.log.Info("spawned",
		zap.Uint64("task", uint64(id)),
		zap.String("name", name),
		zap.Int("caps", set.Len()))
	return id
}

// materialize mints one capability per grant into set, in declaration
// order. On any failure everything minted so far is revoked again.
func (k *Kernel) materialize(set *cap.Set, grants []manifest.Grant) error {
	for i, g := range grants {
		h, minted, err := k.grant(set, g)
		if err != nil {
			k.releaseSet(set)
			return fmt.Errorf("grant %d (%s): %w", i, g.Kind, err)
		}
		if minted {
			set.Insert(h)
		}
	}
	return nil
}

// grant materializes a single declaration. Listening socket grants mint
// no descriptor now; they register the rendezvous name and collect a
// fresh descriptor per accepted connection instead.
func (k *Kernel) grant(set *cap.Set, g manifest.Grant) (cap.Handle, bool, error) {
	rights, err := g.RightsBits()
	if err != nil {
		return cap.Handle{}, false, err
	}

	var obj cap.Object
	switch g.Kind {
	case "directory":
		id, err := k.openDir(g.Path)
		if err != nil {
			return cap.Handle{}, false, err
		}
		obj = cap.DirectoryObject(id)
	case "endpoint":
		obj = cap.EndpointObject(k.router.CreateEndpoint(g.Name))
	case "socket":
		if g.Listen {
			if err := k.listen(g.Name, set, rights); err != nil {
				return cap.Handle{}, false, err
			}
			return cap.Handle{}, false, nil
		}
		id, err := k.connect(g.Name)
		if err != nil {
			return cap.Handle{}, false, err
		}
		obj = cap.SocketObject(id)
	case "serial":
		k.serial.AddPort(g.Port)
		obj = cap.SerialObject(g.Port)
	case "gpio":
		if _, err := k.gpio.Get(g.Pin); err != nil {
			return cap.Handle{}, false, err
		}
		obj = cap.PinObject(g.Pin)
	case "irq":
		obj = cap.InterruptObject(g.Line)
	default:
		return cap.Handle{}, false, fmt.Errorf("unknown grant kind %q", g.Kind)
	}

	h, err := k.table.Create(obj, rights, sovelma.KernelTask)
	if err != nil {
		return cap.Handle{}, false, err
	}
	return h, true, nil
}

// openDir mints a directory handle for a grant path, creating missing
// directories along the way. "/" is the store root itself.
func (k *Kernel) openDir(path string) (uint32, error) {
	ctx := context.Background()
	root := k.store.Root()
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return root, nil
	}
	defer k.store.Close(ctx, root)

	// Mkdir per prefix; paths that already exist answer with an error the
	// final open sorts out.
	parts := strings.Split(trimmed, "/")
	for i := range parts {
		_, _ = k.store.Mkdir(root, strings.Join(parts[:i+1], "/"))
	}
	return k.store.Open(ctx, root, trimmed, hostcall.OpenDir)
}

func (k *Kernel) listen(name string, set *cap.Set, rights cap.Rights) error {
	if err := k.stack.Listen(name); err != nil {
		return err
	}
	k.mu.Lock()
	k.listeners[name] = &listenerRec{set: set, rights: rights}
	k.mu.Unlock()
	return nil
}

// connect mints the client end of a rendezvous and hands the accepted
// server end to the listening task as a fresh descriptor.
func (k *Kernel) connect(name string) (uint32, error) {
	client, err := k.stack.Connect(name)
	if err != nil {
		return 0, err
	}
	server, ok := k.stack.Accept(name)
	if !ok {
		return client, nil
	}

	k.mu.Lock()
	rec := k.listeners[name]
	k.mu.Unlock()
	if rec == nil {
		return client, nil
	}
	h, err := k.table.Create(cap.SocketObject(server), rec.rights, sovelma.KernelTask)
	if err != nil {
		_ = k.stack.Close(server)
		_ = k.stack.Close(client)
		return 0, err
	}
	desc := rec.set.Insert(h)
	k.log.Debug("socket accepted",
		zap.String("name", name),
		zap.Int32("desc", desc))
	return client, nil
}

// releaseSet revokes everything a half-built descriptor set holds; the
// reaper closes the resources behind the entries.
func (k *Kernel) releaseSet(set *cap.Set) {
	for _, h := range set.Clear() {
		_ = k.table.Revoke(h)
	}
}

// Run schedules until ctx is canceled or every task has terminated.
func (k *Kernel) Run(ctx context.Context) error {
	k.log.Info("kernel running",
		zap.Int("tasks", k.exec.Live()),
		zap.Int("caps", k.table.Len()))
	return k.exec.Run(ctx)
}

// RunUntilIdle runs scheduling passes until no task is ready. Blocked
// tasks stay blocked; deterministic tests drive time by hand between
// calls.
func (k *Kernel) RunUntilIdle(ctx context.Context) {
	k.exec.RunUntilIdle(ctx)
}

// Shutdown terminates every live task and releases kernel-held
// resources. Call after Run returns.
func (k *Kernel) Shutdown() error {
	for _, info := range k.exec.Snapshot() {
		_ = k.exec.Terminate(info.ID, "kernel shutdown")
	}

	var firstErr error
	if k.journal != nil {
		if err := k.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if s, ok := k.store.(interface{ Shutdown() error }); ok {
		if err := s.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	k.log.Info("kernel stopped")
	return firstErr
}

// Terminate kills a task by id.
func (k *Kernel) Terminate(id sovelma.TaskID, reason string) error {
	return k.exec.Terminate(id, reason)
}

// Tasks lists the live tasks.
func (k *Kernel) Tasks() []task.Info { return k.exec.Snapshot() }

// Live reports how many tasks have not terminated.
func (k *Kernel) Live() int { return k.exec.Live() }

// Events returns the most recent lifecycle events, oldest first.
func (k *Kernel) Events(n int) []sovelma.Event { return k.ring.Tail(n) }

// Caps reports the live capability count and the table limit.
func (k *Kernel) Caps() (live, max int) { return k.table.Len(), k.table.Cap() }

// CapEntries lists the capability table for inspection.
func (k *Kernel) CapEntries() []cap.EntryInfo { return k.table.Snapshot() }

// Endpoints lists endpoint queue statistics.
func (k *Kernel) Endpoints() []ipc.Stats { return k.router.Snapshot() }

// Sockets lists socket buffer statistics.
func (k *Kernel) Sockets() []netstack.SocketStats { return k.stack.Snapshot() }

// Console exposes the serial ports: the monitor tails them, tests feed
// input through them.
func (k *Kernel) Console() *hal.Serial { return k.serial }

// GPIO exposes the pin bank.
func (k *Kernel) GPIO() *hal.GPIO { return k.gpio }

// Store exposes the filesystem for seeding and offline inspection.
func (k *Kernel) Store() Store { return k.store }
