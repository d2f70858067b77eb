// Package config loads an optional YAML scenario/run configuration:
// overrides for the heap ceiling, the instruction step limit, and seeded
// virtual-file contents. Absent a config file, the built-in defaults from
// spec.md §3/§6 apply everywhere.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/helixcore/vm/internal/emulator"
)

// SeedFile is one extra path/content pair to pre-populate the virtual file
// store with before a run, layered on top of the store's built-in seeds.
type SeedFile struct {
	Path    string `yaml:"path"`
	Content string `yaml:"content"`
}

// Run holds the knobs a scenario file may override. Zero values mean "use
// the built-in default" (spec.md §3's heap_base/16MiB ceiling, no
// instruction limit).
type Run struct {
	HeapBase        string     `yaml:"heap_base"`
	MaxHeapBytes    uint64     `yaml:"max_heap_bytes"`
	MaxInstructions uint64     `yaml:"max_instructions"`
	Seed            []SeedFile `yaml:"seed"`
}

// Load parses a YAML scenario file at path. A missing or unreadable file
// is an error; callers with no config file skip Load and use a nil *Run,
// whose accessors return the built-in defaults.
func Load(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var r Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &r, nil
}

// HeapBaseOrDefault returns the configured heap base, falling back to
// emulator.DefaultHeapBase when unset or unparseable.
func (r *Run) HeapBaseOrDefault() uint64 {
	if r == nil || r.HeapBase == "" {
		return emulator.DefaultHeapBase
	}
	var v uint64
	if _, err := fmt.Sscanf(r.HeapBase, "0x%x", &v); err == nil {
		return v
	}
	if _, err := fmt.Sscanf(r.HeapBase, "%d", &v); err == nil {
		return v
	}
	return emulator.DefaultHeapBase
}

// MaxInstructionsOrDefault returns the configured step ceiling, or 0
// (unbounded) when unset.
func (r *Run) MaxInstructionsOrDefault() uint64 {
	if r == nil {
		return 0
	}
	return r.MaxInstructions
}
