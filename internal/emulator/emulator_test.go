package emulator

import (
	"context"
	"testing"

	"github.com/helixcore/vm/internal/asm"
	"github.com/helixcore/vm/internal/elfwriter"
	"github.com/helixcore/vm/internal/store"
)

func runProgram(t *testing.T, src string, st *store.Store, onStdout, onStderr func([]byte)) *RunResult {
	t.Helper()
	res, err := asm.Assemble(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	img, err := elfwriter.Write(res, "_start")
	if err != nil {
		t.Fatalf("write elf: %v", err)
	}

	emu, err := New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	loaded, err := emu.LoadELFBytes(img.Bytes)
	if err != nil {
		t.Fatalf("load elf: %v", err)
	}

	if st == nil {
		st = store.New("")
	}
	h := NewHost(emu, st, DefaultHeapBase, onStdout, onStderr)
	result, err := h.Run(context.Background(), loaded.EntryVA)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return result
}

func TestRunExitCode(t *testing.T) {
	result := runProgram(t, `.text
.global _start
_start:
    movq $60, %rax
    movq $7, %rdi
    syscall
`, nil, nil, nil)

	if result.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", result.ExitCode)
	}
	if result.InstructionCount == 0 {
		t.Fatalf("expected nonzero instruction count")
	}
}

func TestRunExitGroup(t *testing.T) {
	result := runProgram(t, `.text
.global _start
_start:
    movq $231, %rax
    movq $3, %rdi
    syscall
`, nil, nil, nil)

	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
}

func TestRunWriteStdout(t *testing.T) {
	var got []byte
	result := runProgram(t, `.data
msg: .ascii "hi"
.text
.global _start
_start:
    movq $1, %rax
    movq $1, %rdi
    movq $msg, %rsi
    movq $2, %rdx
    syscall
    movq $60, %rax
    xorq %rdi, %rdi
    syscall
`, nil, func(b []byte) { got = append(got, b...) }, nil)

	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if string(got) != "hi" {
		t.Fatalf("stdout = %q, want %q", got, "hi")
	}
}

func TestRunUnmappedWriteIsGuestFault(t *testing.T) {
	res, err := asm.Assemble(`.text
.global _start
_start:
    xorq %rbx, %rbx
    movq %rax, 0(%rbx)
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	img, err := elfwriter.Write(res, "_start")
	if err != nil {
		t.Fatalf("write elf: %v", err)
	}

	emu, err := New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	loaded, err := emu.LoadELFBytes(img.Bytes)
	if err != nil {
		t.Fatalf("load elf: %v", err)
	}

	h := NewHost(emu, store.New(""), DefaultHeapBase, nil, nil)
	if _, err := h.Run(context.Background(), loaded.EntryVA); err == nil {
		t.Fatalf("expected a guest fault from writing through a zeroed register")
	} else if _, ok := err.(*GuestFault); !ok {
		t.Fatalf("expected *GuestFault, got %T: %v", err, err)
	}
}

func TestBrkGrowsAndRejectsOutOfRange(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	h := NewHost(emu, store.New(""), DefaultHeapBase, nil, nil)
	h.reset()

	if got := h.doBrk(0); got != DefaultHeapBase {
		t.Fatalf("brk(0) = %#x, want heap base %#x", got, DefaultHeapBase)
	}
	if got := h.doBrk(DefaultHeapBase); got != DefaultHeapBase {
		t.Fatalf("brk(heap_base) = %#x, want %#x (no-op)", got, DefaultHeapBase)
	}

	grown := h.doBrk(DefaultHeapBase + 100)
	if grown != DefaultHeapBase+100 {
		t.Fatalf("brk grow = %#x, want %#x", grown, DefaultHeapBase+100)
	}

	beyond := h.doBrk(DefaultHeapBase + HeapMax)
	if beyond != grown {
		t.Fatalf("brk beyond ceiling returned %#x, want unchanged %#x", beyond, grown)
	}

	atEdge := h.doBrk(DefaultHeapBase + HeapMax - 1)
	if atEdge != DefaultHeapBase+HeapMax-1 {
		t.Fatalf("brk at ceiling-1 = %#x, want %#x", atEdge, DefaultHeapBase+HeapMax-1)
	}
}

func TestMaxInstructionsStopsRun(t *testing.T) {
	res, err := asm.Assemble(`.text
.global _start
_start:
loop:
    jmp loop
`)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	img, err := elfwriter.Write(res, "_start")
	if err != nil {
		t.Fatalf("write elf: %v", err)
	}

	emu, err := New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	loaded, err := emu.LoadELFBytes(img.Bytes)
	if err != nil {
		t.Fatalf("load elf: %v", err)
	}

	h := NewHost(emu, store.New(""), DefaultHeapBase, nil, nil)
	h.SetMaxInstructions(50)
	result, err := h.Run(context.Background(), loaded.EntryVA)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 130 {
		t.Fatalf("exit code = %d, want 130 (instruction ceiling)", result.ExitCode)
	}
}

func TestSetMaxHeapBytesOverridesCeiling(t *testing.T) {
	emu, err := New()
	if err != nil {
		t.Fatalf("new emulator: %v", err)
	}
	defer emu.Close()

	h := NewHost(emu, store.New(""), DefaultHeapBase, nil, nil)
	h.SetMaxHeapBytes(0x1000)
	h.reset()

	if got := h.doBrk(DefaultHeapBase + 0x1000); got != DefaultHeapBase {
		t.Fatalf("brk at overridden ceiling = %#x, want unchanged %#x", got, DefaultHeapBase)
	}
	if got := h.doBrk(DefaultHeapBase + 0xFFF); got != DefaultHeapBase+0xFFF {
		t.Fatalf("brk just under overridden ceiling = %#x, want %#x", got, DefaultHeapBase+0xFFF)
	}
}
