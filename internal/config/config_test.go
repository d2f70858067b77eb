package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/helixcore/vm/internal/emulator"
)

func TestLoadParsesScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	yaml := `
heap_base: "0x900000"
max_instructions: 5000
seed:
  - path: /etc/motd
    content: "welcome\n"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	r, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r.HeapBaseOrDefault() != 0x900000 {
		t.Fatalf("heap base = %#x, want 0x900000", r.HeapBaseOrDefault())
	}
	if r.MaxInstructionsOrDefault() != 5000 {
		t.Fatalf("max instructions = %d, want 5000", r.MaxInstructionsOrDefault())
	}
	if len(r.Seed) != 1 || r.Seed[0].Path != "/etc/motd" {
		t.Fatalf("seed = %+v", r.Seed)
	}
}

func TestNilRunFallsBackToDefaults(t *testing.T) {
	var r *Run
	if r.HeapBaseOrDefault() != emulator.DefaultHeapBase {
		t.Fatalf("nil run heap base = %#x, want default", r.HeapBaseOrDefault())
	}
	if r.MaxInstructionsOrDefault() != 0 {
		t.Fatalf("nil run max instructions = %d, want 0", r.MaxInstructionsOrDefault())
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/scenario.yaml"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
