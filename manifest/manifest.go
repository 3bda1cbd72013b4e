// Package manifest loads the TOML files that describe guest modules:
// which binary runs, at what priority, and exactly which capabilities the
// kernel hands the task at spawn. A module holds nothing it does not
// declare here.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	sovelma "github.com/spihlava/SovelmaOS"
	"github.com/spihlava/SovelmaOS/cap"
)

// validate is a package-level singleton; constructing a validator per call
// is expensive.
var validate = validator.New()

// Manifest is one module.toml.
type Manifest struct {
	Module Module  `toml:"module"`
	Limits Limits  `toml:"limits"`
	Grants []Grant `toml:"grant" validate:"dive"`

	// Path is where the manifest was read from; the binary path resolves
	// relative to it. Set by LoadFile.
	Path string `toml:"-"`
}

// Module names the guest and how to enter it.
type Module struct {
	Name     string `toml:"name" validate:"required"`
	Binary   string `toml:"binary"`
	Entry    string `toml:"entry"`
	Priority string `toml:"priority" validate:"omitempty,oneof=idle normal high critical"`
}

// Limits bounds the task's execution. Zero fields mean the kernel default.
type Limits struct {
	Quantum     uint64 `toml:"quantum"`
	MemoryPages uint32 `toml:"memory-pages"`
}

// Grant declares one capability the kernel materializes at spawn. The
// selector field depends on the kind: directory takes a path, endpoint and
// socket a rendezvous name, serial/gpio/irq a numeric unit. A socket grant
// with listen set registers the name instead of connecting to it; each
// later connector hands the listener a fresh socket descriptor.
type Grant struct {
	Kind   string `toml:"kind" validate:"required,oneof=directory endpoint socket serial gpio irq"`
	Rights string `toml:"rights" validate:"required"`
	Path   string `toml:"path"`
	Name   string `toml:"name"`
	Listen bool   `toml:"listen"`
	Port   uint32 `toml:"port"`
	Pin    uint32 `toml:"pin"`
	Line   uint32 `toml:"line"`
}

// Load parses and validates a manifest from raw TOML.
func Load(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	// Defaults
	if m.Module.Entry == "" {
		m.Module.Entry = "run"
	}
	if m.Module.Priority == "" {
		m.Module.Priority = "normal"
	}

	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadFile reads and parses the manifest at path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return m, nil
}

func (m *Manifest) check() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("manifest validation failed: %w", err)
	}
	for i := range m.Grants {
		if err := m.Grants[i].check(); err != nil {
			return fmt.Errorf("grant %d: %w", i, err)
		}
	}
	return nil
}

// check covers what struct tags cannot: rights strings parse, and the
// selector matching the kind is present. Numeric selectors stay optional
// because unit 0 (console serial, pin 0) is a real target.
func (g *Grant) check() error {
	if _, err := cap.ParseRights(g.Rights); err != nil {
		return err
	}
	switch g.Kind {
	case "directory":
		if g.Path == "" {
			return fmt.Errorf("directory grant needs a path (%q grants the whole tree)", "/")
		}
	case "endpoint", "socket":
		if g.Name == "" {
			return fmt.Errorf("%s grant needs a name", g.Kind)
		}
	}
	return nil
}

// RightsBits returns the grant's parsed rights. Always succeeds on a
// loaded manifest; check rejected unparseable strings.
func (g Grant) RightsBits() (cap.Rights, error) {
	return cap.ParseRights(g.Rights)
}

// TaskPriority maps the priority word onto a scheduling level. Always
// valid on a loaded manifest.
func (m *Manifest) TaskPriority() sovelma.Priority {
	p, err := sovelma.ParsePriority(m.Module.Priority)
	if err != nil {
		return sovelma.PriorityNormal
	}
	return p
}

// BinaryPath resolves the wasm binary location. Relative paths resolve
// against the manifest's own directory when it was loaded from disk.
func (m *Manifest) BinaryPath() string {
	b := m.Module.Binary
	if b == "" || filepath.IsAbs(b) || m.Path == "" {
		return b
	}
	return filepath.Join(filepath.Dir(m.Path), b)
}
