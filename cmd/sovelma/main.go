package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/fs"
	"github.com/spihlava/SovelmaOS/kernel"
	"github.com/spihlava/SovelmaOS/manifest"
	"github.com/spihlava/SovelmaOS/wasm"
)

func main() {
	var (
		storePath = flag.String("store", "", "Path to the sqlite file store (default: in-memory)")
		journal   = flag.String("journal", "", "Event journal path inside the store (default: off)")
		quantum   = flag.Uint64("quantum", 0, "Default fuel quantum per slice (0: built-in default)")
		gpioLines = flag.Int("gpio", 0, "GPIO line count (0: built-in default)")
		logLevel  = flag.String("log", "info", "Log level (debug, info, warn, error)")
		list      = flag.Bool("list", false, "Describe the modules and exit")
		watch     = flag.Bool("watch", false, "Watch mode with TUI monitor")
	)
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: sovelma [flags] <manifest.toml> [manifest.toml ...]")
		fmt.Fprintln(os.Stderr, "       sovelma -list <manifest.toml>")
		fmt.Fprintln(os.Stderr, "       sovelma -watch <manifest.toml> ...  (TUI monitor)")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(flag.Args(), *storePath, *journal, *quantum, *gpioLines, *logLevel, *list, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(paths []string, storePath, journalPath string, quantum uint64, gpioLines int, level string, listOnly, watch bool) error {
	ctx := context.Background()

	mans := make([]*manifest.Manifest, 0, len(paths))
	for _, path := range paths {
		man, err := manifest.LoadFile(path)
		if err != nil {
			return err
		}
		mans = append(mans, man)
	}

	// The monitor owns the terminal; logs would tear its screen apart.
	watchTUI := watch && term.IsTerminal(int(os.Stdout.Fd()))
	log, err := buildLogger(level, watchTUI)
	if err != nil {
		return err
	}
	defer log.Sync()

	// wazero memory limits are runtime-wide, so size the shared runtime
	// to the largest request.
	var pages uint32
	for _, man := range mans {
		if man.Limits.MemoryPages > pages {
			pages = man.Limits.MemoryPages
		}
	}
	rt, err := wasm.NewRuntime(ctx, wasm.Config{MemoryLimitPages: pages, Log: log})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	mods := make([]*wasm.Module, len(mans))
	for i, man := range mans {
		data, err := os.ReadFile(man.BinaryPath())
		if err != nil {
			return fmt.Errorf("read module %s: %w", man.Module.Name, err)
		}
		mod, err := rt.Compile(ctx, data)
		if err != nil {
			return fmt.Errorf("compile %s: %w", man.Module.Name, err)
		}
		defer mod.Close(ctx)
		mods[i] = mod
	}

	if listOnly {
		for i, man := range mans {
			if i > 0 {
				fmt.Println()
			}
			describe(man, mods[i])
		}
		return nil
	}

	opts := []kernel.Option{kernel.WithLogger(log)}
	if storePath != "" {
		store, err := fs.OpenDiskStore(storePath)
		if err != nil {
			return err
		}
		opts = append(opts, kernel.WithStorage(store))
	}
	if journalPath != "" {
		opts = append(opts, kernel.WithJournal(journalPath))
	}
	if quantum > 0 {
		opts = append(opts, kernel.WithQuantum(quantum))
	}
	if gpioLines > 0 {
		opts = append(opts, kernel.WithGPIOLines(gpioLines))
	}
	k, err := kernel.New(opts...)
	if err != nil {
		return err
	}

	for i, man := range mans {
		entry := man.Module.Entry
		if !mods[i].HasExport(entry) &&
			!(entry == wasm.DefaultEntry && mods[i].HasExport(wasm.FallbackEntry)) {
			return fmt.Errorf("%s: binary exports no function %q", man.Module.Name, entry)
		}
		if _, err := k.SpawnModule(mods[i], man); err != nil {
			return fmt.Errorf("spawn %s: %w", man.Module.Name, err)
		}
	}

	if watchTUI {
		return runMonitor(ctx, k)
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	runErr := k.Run(runCtx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if err := k.Shutdown(); runErr == nil {
		runErr = err
	}
	report(k)
	return runErr
}

func buildLogger(level string, quiet bool) (*zap.Logger, error) {
	if quiet {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func describe(man *manifest.Manifest, mod *wasm.Module) {
	fmt.Printf("Module: %s\n", man.Module.Name)
	fmt.Printf("Binary: %s\n", man.BinaryPath())
	fmt.Printf("Entry: %s  Priority: %s\n", man.Module.Entry, man.TaskPriority())
	if man.Limits.Quantum > 0 {
		fmt.Printf("Quantum: %d\n", man.Limits.Quantum)
	}
	if man.Limits.MemoryPages > 0 {
		fmt.Printf("Memory: %d pages\n", man.Limits.MemoryPages)
	}

	fmt.Printf("\nExported functions:\n")
	for _, name := range mod.Exports() {
		fmt.Printf("  %s\n", name)
	}

	if len(man.Grants) == 0 {
		fmt.Printf("\nGrants: none\n")
		return
	}
	fmt.Printf("\nGrants:\n")
	for i, g := range man.Grants {
		rights, _ := g.RightsBits()
		fmt.Printf("  %d: %-9s %s %s\n", i+1, g.Kind, rights, grantTarget(g))
	}
}

func grantTarget(g manifest.Grant) string {
	switch g.Kind {
	case "directory":
		return g.Path
	case "endpoint":
		return g.Name
	case "socket":
		if g.Listen {
			return g.Name + " (listen)"
		}
		return g.Name
	case "serial":
		return fmt.Sprintf("port %d", g.Port)
	case "gpio":
		return fmt.Sprintf("pin %d", g.Pin)
	case "irq":
		return fmt.Sprintf("line %d", g.Line)
	}
	return ""
}

func report(k *kernel.Kernel) {
	events := k.Events(kernel.DefaultEventKeep)
	if len(events) > 0 {
		fmt.Printf("\n--- events ---\n")
		for _, ev := range events {
			at := ev.At.Format(time.TimeOnly)
			switch ev.Kind {
			case sovelma.EventExit:
				fmt.Printf("%s %s exited with code %d\n", at, ev.Name, ev.Code)
			case sovelma.EventCrash:
				fmt.Printf("%s %s crashed: %s\n", at, ev.Name, ev.Reason)
			}
		}
	}

	lines := k.Console().Tail(kernel.ConsolePort, 20)
	if len(lines) > 0 {
		fmt.Printf("\n--- console ---\n")
		for _, ln := range lines {
			fmt.Printf("%s\n", ln.Text)
		}
	}
}
